package cfdwire

// Identify is exchanged on inbound connection: each side
// announces its protocol/agent version, identity, listen addresses and
// supported protocol names, so the taker can compute the set of
// protocols it expects but the maker doesn't advertise.
type Identify struct {
	ProtocolVersion    string   `json:"protocol_version"`
	AgentVersion       string   `json:"agent_version"`
	PublicKey          string   `json:"public_key"`
	ListenAddrs        []string `json:"listen_addrs"`
	ObservedAddr       string   `json:"observed_addr"`
	SupportedProtocols []string `json:"supported_protocols"`
	Environment        string   `json:"environment"`
}

func (Identify) MsgType() MessageType { return TypeIdentify }

// Ping/Pong implement the 5s maker heartbeat.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

func (Ping) MsgType() MessageType { return TypePing }

type Pong struct {
	Nonce uint64 `json:"nonce"`
}

func (Pong) MsgType() MessageType { return TypePong }

// ExpectedProtocols is the full set of protocol names a conforming peer
// should support.
var ExpectedProtocols = []string{
	"/itchysats/ping/1.0.0",
	"/itchysats/identify/1.0.0",
	"/itchysats/offer/1.0.0",
	"/itchysats/rollover/1.0.0",
	"/itchysats/rollover/2.0.0",
	"/itchysats/collab-settlement/1.0.0",
}

// MissingProtocols returns the subset of ExpectedProtocols absent from
// advertised, preserving ExpectedProtocols' order.
func MissingProtocols(advertised []string) []string {
	have := make(map[string]bool, len(advertised))
	for _, p := range advertised {
		have[p] = true
	}

	var missing []string
	for _, want := range ExpectedProtocols {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	return missing
}
