// Package ledger abstracts the blockchain backend the facilitator settles
// against. The protocol core only ever talks to the Client interface; the
// concrete EVM implementation lives in the evm subpackage.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/nacorid/x402-facilitator/x402"
)

// Domain holds the signature domain parameters of an asset contract, in
// backend-neutral form.
type Domain struct {
	// Name is the EIP-712 domain name of the asset contract.
	Name string

	// Version is the EIP-712 domain version.
	Version string

	// ChainID is the EIP-155 chain ID.
	ChainID int64

	// VerifyingContract is the asset contract address.
	VerifyingContract string
}

// Client is the capability the protocol core uses to check signatures and
// balances and to broadcast authorization-based transfers. Implementations
// wrap transport failures in x402.ErrLedgerUnavailable so callers can tell
// outages apart from rejections.
type Client interface {
	// VerifySignature reports whether the signature over the canonical
	// authorization message recovers to the authorization's from address
	// under the claimed domain parameters.
	VerifySignature(ctx context.Context, auth x402.EVMAuthorization, domain Domain, signature string) (bool, error)

	// CheckBalance returns the asset balance of the address in atomic units.
	CheckBalance(ctx context.Context, address, asset string) (*big.Int, error)

	// Submit broadcasts the authorization-based transfer and returns a
	// transaction reference once the ledger acknowledges submission.
	// Acknowledgment does not imply confirmation.
	Submit(ctx context.Context, auth x402.EVMAuthorization, signature, asset string) (string, error)

	// SignerAddress returns the address the client submits transactions from.
	SignerAddress() string
}

// Registry maps CAIP-2 network identifiers to ledger clients. It is built at
// startup and passed explicitly to the engines; registration is not safe for
// concurrent use with lookups.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client for a network, replacing any previous one.
func (r *Registry) Register(network string, client Client) {
	r.clients[network] = client
}

// Client returns the client for a network.
func (r *Registry) Client(network string) (Client, error) {
	client, ok := r.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: no ledger client for %s", x402.ErrInvalidNetwork, network)
	}
	return client, nil
}

// Networks returns the registered networks in sorted order.
func (r *Registry) Networks() []string {
	networks := make([]string, 0, len(r.clients))
	for network := range r.clients {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	return networks
}
