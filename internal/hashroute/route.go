package hashroute

import (
	"hash/fnv"
	"strings"

	"stockflow/internal/domain"
)

// FallbackKey is used when an event carries neither a product id nor a seller id.
// Every record keyed with it lands on the same partition.
const FallbackKey = "default"

// CanonicalizeKey normalizes partition keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// PartitionKey returns the routing key for ev and whether the constant fallback was used.
func PartitionKey(ev domain.Event) (string, bool) {
	var key string
	switch p := ev.Payload.(type) {
	case domain.ProductCreated:
		key = p.Product.ID
	case domain.ProductUpdated:
		key = p.Product.ID
	case domain.ProductDeleted:
		key = p.ProductID
	case domain.LowStockWarning:
		key = p.ProductID
	}
	if key = CanonicalizeKey(key); key != "" {
		return key, false
	}
	if seller := CanonicalizeKey(ev.SellerID); seller != "" {
		return seller, false
	}
	return FallbackKey, true
}

// KeyHash is fnv-1a over the raw key bytes. It plugs into kgo.SaramaHasher.
func KeyHash(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// PartitionForKey mirrors the producer partitioner for keyed records.
func PartitionForKey(key string, partitions int) int {
	if partitions <= 0 {
		return 0
	}
	p := int32(KeyHash([]byte(key))) % int32(partitions)
	if p < 0 {
		p = -p
	}
	return int(p)
}
