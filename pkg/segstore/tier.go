package segstore

import (
	"fmt"
	"strconv"
)

// Tier 是清晰度档位，每个档位对应后端中一个独立分区。
type Tier int

const (
	Tier112 Tier = 112
	Tier80  Tier = 80
	Tier64  Tier = 64
	Tier32  Tier = 32
	Tier16  Tier = 16
)

func (t Tier) String() string { return strconv.Itoa(int(t)) }

// PartitionName 是档位到分区名的默认映射。
func (t Tier) PartitionName() string { return "q" + strconv.Itoa(int(t)) }

func ParseTier(s string) (Tier, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return Tier(n), nil
}

// TierTable 由配置中的档位列表构造映射表。
func TierTable(tiers []int) map[Tier]string {
	m := make(map[Tier]string, len(tiers))
	for _, n := range tiers {
		t := Tier(n)
		m[t] = t.PartitionName()
	}
	return m
}

func DefaultTiers() map[Tier]string {
	return TierTable([]int{112, 80, 64, 32, 16})
}
