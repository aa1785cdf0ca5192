package creditengine

const (
	// DefaultInitialGrant is the balance a newly provisioned user starts with.
	DefaultInitialGrant int64 = 400

	DefaultTrainingCost int64 = 10
	DefaultImageCost    int64 = 100
)

// Pricing holds the credit cost of each kind of paid work.
type Pricing struct {
	Training int64  `yaml:"training" toml:"training"`
	Image    int64  `yaml:"image" toml:"image"`
	Packs    []Pack `yaml:"packs" toml:"packs"`
}

// Pack is a named bundle of prompts billed once regardless of size.
type Pack struct {
	ID         string   `yaml:"id" toml:"id" json:"id"`
	Name       string   `yaml:"name" toml:"name" json:"name"`
	CreditCost int64    `yaml:"credit_cost" toml:"credit_cost" json:"credit_cost"`
	Prompts    []string `yaml:"prompts" toml:"prompts" json:"prompts"`
}

// DefaultPricing returns the built-in costs with no packs.
func DefaultPricing() Pricing {
	return Pricing{
		Training: DefaultTrainingCost,
		Image:    DefaultImageCost,
	}
}

// Cost returns the per-job cost for kind. Pack images are billed per
// bundle, see Pack.
func (p Pricing) Cost(kind JobKind) int64 {
	switch kind {
	case KindTraining:
		return p.Training
	case KindSingleImage:
		return p.Image
	default:
		return 0
	}
}

// Pack returns the pack with the given id or ErrUnknownPack.
func (p Pricing) Pack(id string) (Pack, error) {
	for _, pk := range p.Packs {
		if pk.ID == id {
			return pk, nil
		}
	}
	return Pack{}, ErrUnknownPack
}

// AllocateBundle splits cost across n submitted items. The remainder goes
// to the first item so the shares always sum to cost.
func AllocateBundle(cost int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := cost / int64(n)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += cost - base*int64(n)
	return shares
}
