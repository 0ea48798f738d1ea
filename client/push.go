package client

import (
	"context"
	"log"
	"net"

	"github.com/bytedance/sonic"
)

// pushFrame is the wire shape of a server push: {type, data, lastRefTime}.
type pushFrame struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	LastRefTime int64  `json:"lastRefTime"`
}

type pushAck struct {
	Type        string `json:"type"`
	LastRefTime int64  `json:"lastRefTime"`
}

// PushReceiver is a long-lived UDP socket that decodes server push frames
// and feeds "dom" (domain/service) payloads into a Reactor, ACKing each
// frame so the server stops retrying it.
type PushReceiver struct {
	conn    *net.UDPConn
	reactor *Reactor
}

// NewPushReceiver binds an ephemeral UDP port and wires it to reactor.
// Its socket lifetime is tied to the reactor per spec §4.H.
func NewPushReceiver(reactor *Reactor) (*PushReceiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	p := &PushReceiver{conn: conn, reactor: reactor}
	reactor.BindPushReceiver(p.Port())
	return p, nil
}

// Port returns the bound local UDP port.
func (p *PushReceiver) Port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run reads frames until ctx is cancelled or the socket is closed.
func (p *PushReceiver) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = p.conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("client: push receiver read error: %v", err)
			continue
		}
		frame, err := decodePushFrame(buf[:n])
		if err != nil {
			log.Printf("client: push receiver: malformed frame from %s: %v", addr, err)
			continue
		}
		if frame.Type == "dom" {
			if _, err := p.reactor.processServiceJson(p.reactor.defaultGroup(), []byte(frame.Data)); err != nil {
				log.Printf("client: push receiver: failed to process service payload: %v", err)
			}
		}
		p.ack(addr, frame.LastRefTime)
	}
}

func (p *PushReceiver) ack(addr *net.UDPAddr, lastRefTime int64) {
	ack, err := sonic.Marshal(pushAck{Type: "push-ack", LastRefTime: lastRefTime})
	if err != nil {
		return
	}
	if _, err := p.conn.WriteToUDP(ack, addr); err != nil {
		log.Printf("client: push receiver: ack write failed: %v", err)
	}
}

// Close shuts down the UDP socket.
func (p *PushReceiver) Close() error {
	return p.conn.Close()
}

func decodePushFrame(data []byte) (pushFrame, error) {
	var f pushFrame
	err := sonic.Unmarshal(data, &f)
	return f, err
}
