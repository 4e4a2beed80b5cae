package log

import "log/slog"

func SessionID[T ~string](id T) slog.Attr {
	return slog.String("session_id", string(id))
}

func WorkflowID[T ~string](id T) slog.Attr {
	return slog.String("workflow_id", string(id))
}

func BlockID[T ~string](id T) slog.Attr {
	return slog.String("block_id", string(id))
}

func Lifecycle[T ~string](state T) slog.Attr {
	return slog.String("lifecycle", string(state))
}

func Command[T ~string](name T) slog.Attr {
	return slog.String("command", string(name))
}

func Variable[T ~string](name T) slog.Attr {
	return slog.String("variable", string(name))
}

func ScriptHash(hash string) slog.Attr {
	return slog.String("script_hash", hash)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
