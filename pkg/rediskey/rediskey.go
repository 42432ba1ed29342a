package rediskey

import "fmt"

// Sequence keys (global convention across services)
const (
	SequencePrefix = "seq"
	PaymentPrefix  = "payment"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildPaymentSequenceKey returns "seq:payment:{yymmdd}"
func BuildPaymentSequenceKey(day string) string {
	return NamespaceKey(NamespaceKey(SequencePrefix, PaymentPrefix), day)
}
