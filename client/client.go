package client

import "context"

// Client is the facade applications embed: it wires a Transport, a
// Reactor (cache/poll/push), a PushReceiver, and a HeartbeatReactor into
// one object, the same "one clean Go interface hiding HTTP details" shape
// the teacher's SDK used for its KV client.
type Client struct {
	Transport *Transport
	Reactor   *Reactor
	Heartbeat *HeartbeatReactor
	push      *PushReceiver
	opts      Options
}

// New constructs a fully-wired Client: a Reactor with its failover
// snapshotter running, a HeartbeatReactor ready to accept registrations,
// and a UDP PushReceiver bound and listening.
func New(opts Options) (*Client, error) {
	heartbeat := NewHeartbeatReactor(nil, opts.NamespaceID) // transport set below
	reactor, err := NewReactor(opts, heartbeat)
	if err != nil {
		return nil, err
	}
	heartbeat.transport = reactor.transport

	push, err := NewPushReceiver(reactor)
	if err != nil {
		reactor.Close()
		return nil, err
	}
	go push.Run(reactor.ctx)

	return &Client{
		Transport: reactor.transport,
		Reactor:   reactor,
		Heartbeat: heartbeat,
		push:      push,
		opts:      opts,
	}, nil
}

// RegisterInstance registers inst and, if ephemeral, starts its heartbeat.
func (c *Client) RegisterInstance(ctx context.Context, groupName, serviceName string, inst Instance) error {
	if err := c.Transport.RegisterInstance(ctx, c.opts.NamespaceID, groupName, serviceName, inst); err != nil {
		return err
	}
	c.Heartbeat.AddBeatInfo(ctx, groupName, serviceName, inst)
	return nil
}

// DeregisterInstance removes the instance and stops its heartbeat.
func (c *Client) DeregisterInstance(ctx context.Context, groupName, serviceName, ip string, port int, clusterName string) error {
	c.Heartbeat.RemoveBeatInfo(groupName, serviceName, ip, port, clusterName)
	return c.Transport.DeregisterInstance(ctx, c.opts.NamespaceID, groupName, serviceName, ip, port, clusterName)
}

// GetServiceInfo returns the cached, periodically-refreshed view of a service.
func (c *Client) GetServiceInfo(ctx context.Context, serviceName, clusters string) (ServiceInfo, error) {
	return c.Reactor.GetServiceInfo(ctx, serviceName, clusters)
}

// Subscribe registers l for every future change to (serviceName, clusters).
func (c *Client) Subscribe(serviceName, clusters string, l EventListener) {
	c.Reactor.Subscribe(serviceName, clusters, l)
}

// Close tears down the push socket, heartbeats, and the reactor's
// scheduled tasks.
func (c *Client) Close() {
	_ = c.push.Close()
	c.Heartbeat.Close()
	c.Reactor.Close()
}
