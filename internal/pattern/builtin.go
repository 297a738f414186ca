package pattern

import "regexp"

// Built-in state patterns. These drive the mode/shard/version machine
// directly and never go through the configurable rule set.
var (
	// <2024-01-02T03:04:05.123Z> leading log timestamp.
	lineTimestampRe = regexp.MustCompile(`^<(?P<ts>[^>]+)>`)

	contextEstablisherMarker = "Context Establisher Done"
	contextGamerulesRe       = regexp.MustCompile(`gamerules="(?P<gamerules>[^"]*)"`)
	contextNicknameRe        = regexp.MustCompile(`NickName="(?P<nickname>[^"]*)"`)

	channelDisconnectedMarker = "Channel Disconnected"
	channelGamerulesRe        = regexp.MustCompile(`gamerules="(?P<gamerules>[^"]*)"`)

	reuseChannelMarker = "ReuseChannel"
	reuseVersionRe     = regexp.MustCompile(`endpoint[^ ]* version (?P<version>[\w.\-]+)`)

	eaLobbyMarker    = "EALobby::NotifyServiceRequestResponse"
	eaLobbyNetworkRe = regexp.MustCompile(`Network\[(?P<network>\w+)\]`)
)

// lineTimestamp extracts the source timestamp from a log line, or "".
func lineTimestamp(line string) string {
	m := lineTimestampRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}
