package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepRecorder struct {
	steps []string
}

func (r *stepRecorder) add(step string) { r.steps = append(r.steps, step) }

type fakeHealth struct{ r *stepRecorder }

func (f fakeHealth) SetNotServing() { f.r.add("health") }

type fakeStopper struct {
	r    *stepRecorder
	name string
	err  error
}

func (f fakeStopper) StopWithTimeout(time.Duration) error {
	f.r.add(f.name)
	return f.err
}

type fakeHTTP struct{ r *stepRecorder }

func (f fakeHTTP) Shutdown(context.Context) error {
	f.r.add("http")
	return nil
}

type fakeRelay struct{ r *stepRecorder }

func (f fakeRelay) Stop() { f.r.add("relay") }

func TestShutdown_ReleasesTunnelsBeforeListener(t *testing.T) {
	r := &stepRecorder{}
	servers := &brokerServers{
		health: fakeHealth{r},
		tunnel: fakeStopper{r: r, name: "tunnel"},
		http:   fakeHTTP{r},
		relay:  fakeRelay{r},
		grpc:   fakeStopper{r: r, name: "grpc"},
	}

	servers.shutdown(time.Second)

	assert.Equal(t, []string{"health", "tunnel", "http", "relay", "grpc"}, r.steps)
}

func TestShutdown_ContinuesAfterTunnelError(t *testing.T) {
	r := &stepRecorder{}
	servers := &brokerServers{
		health: fakeHealth{r},
		tunnel: fakeStopper{r: r, name: "tunnel", err: errors.New("stop timeout")},
		http:   fakeHTTP{r},
		relay:  fakeRelay{r},
		grpc:   fakeStopper{r: r, name: "grpc"},
	}

	servers.shutdown(time.Second)

	assert.Equal(t, []string{"health", "tunnel", "http", "relay", "grpc"}, r.steps)
}
