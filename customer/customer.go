// Package customer holds the customer-side clients: a one-shot Join and a
// Generator that produces a Poisson stream of arrivals.
package customer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/topics"
)

// Requester is the part of rpc.Client customers use.
type Requester interface {
	Subscribe(pattern string) error
	Request(ctx context.Context, requestTopic, responseTopic string, msg interface{}, timeout time.Duration) (*rpc.Message, error)
}

var _ Requester = (*rpc.Client)(nil)

// ClientID returns a unique client id for a customer. Characters that are
// not allowed in a topic level are replaced.
func ClientID(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("customer-%s-%s", clean, uuid.NewString()[:8])
}

// Join asks the authority to place one customer and returns the
// assignment. Error replies come back as *errors.Error with the reply's
// code; no reply within timeout fails with a timeout error.
func Join(ctx context.Context, client Requester, ns, clientID, name string, basketSize int, timeout time.Duration) (protocol.Assigned, error) {
	if !topics.ValidID(clientID) {
		return protocol.Assigned{}, errors.InvalidArgument(fmt.Sprintf("client id %q is not a valid topic level", clientID))
	}
	if basketSize < 0 {
		basketSize = 0
	}

	raw, err := client.Request(ctx,
		topics.ManagerRequests(ns),
		topics.ManagerResponses(ns, clientID),
		protocol.JoinQueue{Name: name, BasketSize: basketSize},
		timeout)
	if err != nil {
		return protocol.Assigned{}, err
	}

	reply, err := protocol.Decode(raw.Payload)
	if err != nil {
		return protocol.Assigned{}, err
	}
	switch m := reply.(type) {
	case protocol.Assigned:
		return m, nil
	case protocol.ErrorReply:
		return protocol.Assigned{}, m.Err()
	default:
		return protocol.Assigned{}, errors.Internal(fmt.Sprintf("unexpected reply %q", reply.MessageType()))
	}
}
