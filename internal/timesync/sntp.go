package timesync

import (
	"context"
	"strings"
	"time"

	"github.com/beevik/ntp"
	"github.com/pkg/errors"
)

// ProtocolSNTP is the protocol tag written into external time records.
const ProtocolSNTP = "SNTP"

const defaultTimeout = 5 * time.Second

// Result is the outcome of one round trip against a time server.
type Result struct {
	LocalTime  time.Time
	ServerTime time.Time
	Offset     time.Duration
	Delay      time.Duration
	Server     string
	Protocol   string
}

// Querier performs one time query against server.
type Querier interface {
	Query(ctx context.Context, server string, timeout time.Duration) (Result, error)
}

// SNTP queries a server with a single SNTP request.
type SNTP struct {
	now   func() time.Time
	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

func NewSNTP() *SNTP {
	return &SNTP{now: time.Now, query: ntp.QueryWithOptions}
}

func (s *SNTP) Query(ctx context.Context, server string, timeout time.Duration) (Result, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Result{}, errors.New("timesync: no server configured")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// LocalTime is taken when the request is sent.
	now := s.now()
	resp, err := s.query(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return Result{}, errors.Wrapf(err, "timesync: query %s failed", server)
	}
	if err := resp.Validate(); err != nil {
		return Result{}, errors.Wrapf(err, "timesync: invalid response from %s", server)
	}

	return Result{
		LocalTime:  now,
		ServerTime: now.Add(resp.ClockOffset),
		Offset:     resp.ClockOffset,
		Delay:      resp.RTT,
		Server:     server,
		Protocol:   ProtocolSNTP,
	}, nil
}
