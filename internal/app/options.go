package app

import (
	"time"

	"github.com/petervdpas/voxmatch/internal/calls"
	"github.com/petervdpas/voxmatch/internal/config"
	"github.com/petervdpas/voxmatch/internal/negotiator"
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/signal"
	"github.com/petervdpas/voxmatch/internal/wsclient"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

// SignalOptions maps the server section onto the WebSocket server.
func SignalOptions(c config.Config) signal.Options {
	s := c.Server
	return signal.Options{
		ReadLimit:      s.ReadLimit,
		WriteWait:      millis(s.WriteWaitMs),
		PongWait:       seconds(s.PongWaitSec),
		PingInterval:   seconds(s.PingIntervalSec),
		StaleAfter:     seconds(s.StaleAfterSec),
		SweepInterval:  seconds(s.SweepIntervalSec),
		MessageRate:    s.FramesPerSec,
		MessageBurst:   s.Burst,
		AllowedOrigins: s.AllowedOrigins,
	}
}

func CallOptions(c config.Config) calls.Options {
	return calls.Options{
		RingTimeout:    seconds(c.Calls.RingTimeoutSec),
		ConnectTimeout: seconds(c.Calls.ConnectTimeoutSec),
		ReconnectGrace: seconds(c.Calls.ReconnectGraceSec),
	}
}

func NegotiatorOptions(c config.Config) negotiator.Options {
	n := c.Negotiation
	return negotiator.Options{
		GatheringTimeout: seconds(n.GatheringTimeoutSec),
		ConnectTimeout:   seconds(n.ConnectTimeoutSec),
		MaxRecreates:     n.MaxRecreates,
	}
}

// ClientOptions builds connection options for one channel of userID.
func ClientOptions(c config.Config, url string, userID int64, kind registry.Kind) wsclient.Options {
	cl := c.Client
	return wsclient.Options{
		URL:            url,
		UserID:         userID,
		Kind:           kind,
		PingInterval:   seconds(cl.PingIntervalSec),
		PongTimeout:    seconds(cl.PongTimeoutSec),
		ReconnectBase:  millis(cl.ReconnectBaseMs),
		ReconnectMax:   seconds(cl.ReconnectMaxSec),
		MaxAttempts:    cl.MaxAttempts,
		RequestTimeout: millis(cl.RequestTimeoutMs),
		Dialer:         wsclient.GorillaDialer{},
	}
}
