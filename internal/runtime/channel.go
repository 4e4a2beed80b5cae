package runtime

import (
	"strings"

	"github.com/waypost/engine/pkg/api"
)

// mobileAgents are substrings that mark a mobile user agent
var mobileAgents = []string{
	"android", "iphone", "ipad", "mobile", "opera mini",
}

// botAgents are substrings that mark an automated caller
var botAgents = []string{
	"bot", "crawler", "spider", "curl/", "wget/",
}

// ClassifyChannel derives the inbound channel from the request surface.
// An explicit channel token wins; otherwise the user agent decides
func ClassifyChannel(token, userAgent string) api.Channel {
	switch api.Channel(strings.ToLower(token)) {
	case api.ChannelWeb, api.ChannelMobile, api.ChannelMessenger,
		api.ChannelBot:
		return api.Channel(strings.ToLower(token))
	}
	ua := strings.ToLower(userAgent)
	for _, marker := range botAgents {
		if strings.Contains(ua, marker) {
			return api.ChannelBot
		}
	}
	for _, marker := range mobileAgents {
		if strings.Contains(ua, marker) {
			return api.ChannelMobile
		}
	}
	return api.ChannelWeb
}
