package chains

import "fmt"

type Blockchain struct {
	ID     int
	IDHex  string
	Name   string
	Token  string
	RPCURL string
}

var (
	Array = []*Blockchain{
		{
			ID:     84532,
			IDHex:  "0x14a34",
			Name:   "Base Sepolia",
			Token:  "ETH",
			RPCURL: "https://sepolia.base.org",
		},
		{
			ID:     8453,
			IDHex:  "0x2105",
			Name:   "Base",
			Token:  "ETH",
			RPCURL: "https://mainnet.base.org",
		},
	}

	Mapping = map[int]*Blockchain{}
)

// nolint:gochecknoinits
func init() {
	for _, chain := range Array {
		Mapping[chain.ID] = chain
	}
}

// FromID returns the known blockchain for the given chain id, nil when unsupported.
func FromID(id int) *Blockchain {
	return Mapping[id]
}

// Describe returns a display name for the chain id, falling back to the raw id.
func Describe(id int) string {
	if chain := Mapping[id]; chain != nil {
		return chain.Name
	}
	return fmt.Sprintf("chain %d", id)
}
