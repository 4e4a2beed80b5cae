package log_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/pkg/api"
	"github.com/waypost/engine/pkg/log"
)

type errStub string

func TestSessionID(t *testing.T) {
	attr := log.SessionID(api.SessionID("sess-123"))
	assertAttrEqual(t, attr, "session_id", "sess-123")
}

func TestWorkflowID(t *testing.T) {
	attr := log.WorkflowID(api.WorkflowID("wf-abc"))
	assertAttrEqual(t, attr, "workflow_id", "wf-abc")
}

func TestBlockID(t *testing.T) {
	attr := log.BlockID(api.BlockID("blk-7"))
	assertAttrEqual(t, attr, "block_id", "blk-7")
}

func TestLifecycle(t *testing.T) {
	attr := log.Lifecycle(api.LifecycleRunning)
	assertAttrEqual(t, attr, "lifecycle", "running")
}

func TestVariable(t *testing.T) {
	attr := log.Variable(api.Name("$name"))
	assertAttrEqual(t, attr, "variable", "$name")
}

func TestScriptHash(t *testing.T) {
	attr := log.ScriptHash("deadbeef")
	assertAttrEqual(t, attr, "script_hash", "deadbeef")
}

func TestError(t *testing.T) {
	attr := log.Error(nil)
	assertAttrEqual(t, attr, "error", "")

	attr = log.Error(errStub("boom"))
	assertAttrEqual(t, attr, "error", "boom")
}

func TestErrorString(t *testing.T) {
	attr := log.ErrorString("badness")
	assertAttrEqual(t, attr, "error", "badness")
}

func (e errStub) Error() string { return string(e) }

func assertAttrEqual(t *testing.T, attr slog.Attr, key, value string) {
	t.Helper()
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}
