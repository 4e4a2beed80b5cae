package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/pkg/api"
)

func TestClassifyChannel(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		userAgent string
		expect    api.Channel
	}{
		{"explicit token wins", "messenger", "Mozilla/5.0 (iPhone)",
			api.ChannelMessenger},
		{"token case folded", "Mobile", "", api.ChannelMobile},
		{"iphone agent", "", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)",
			api.ChannelMobile},
		{"android agent", "", "Mozilla/5.0 (Linux; Android 14)",
			api.ChannelMobile},
		{"crawler agent", "", "Googlebot/2.1", api.ChannelBot},
		{"curl agent", "", "curl/8.4.0", api.ChannelBot},
		{"desktop default", "", "Mozilla/5.0 (X11; Linux x86_64)",
			api.ChannelWeb},
		{"empty everything", "", "", api.ChannelWeb},
		{"unknown token falls through", "carrier-pigeon",
			"Mozilla/5.0 (iPad)", api.ChannelMobile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect,
				runtime.ClassifyChannel(tt.token, tt.userAgent))
		})
	}
}
