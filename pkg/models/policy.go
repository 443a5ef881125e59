package models

import "fmt"

// EvictionPolicy selects how auto-eviction reclaims space.
type EvictionPolicy int

const (
	PolicyTTL EvictionPolicy = iota
	PolicyLRU
	PolicyLFU
	PolicySizeCapped
)

// String returns the config name of the policy.
func (p EvictionPolicy) String() string {
	switch p {
	case PolicyTTL:
		return "ttl"
	case PolicyLRU:
		return "lru"
	case PolicyLFU:
		return "lfu"
	case PolicySizeCapped:
		return "size"
	default:
		return fmt.Sprintf("EvictionPolicy(%d)", int(p))
	}
}

// ParseEvictionPolicy maps a config value to a policy.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch s {
	case "ttl":
		return PolicyTTL, nil
	case "lru":
		return PolicyLRU, nil
	case "lfu":
		return PolicyLFU, nil
	case "size":
		return PolicySizeCapped, nil
	default:
		return 0, fmt.Errorf("%w: unknown eviction policy %q (want ttl, lru, lfu or size)", ErrConfig, s)
	}
}
