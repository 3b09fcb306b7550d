package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// PaymentToken produces an opaque payment token of the form
// PAY_<RANDOM>_<unix>. The random segment is uppercase hex so tokens
// survive case-insensitive transports unmodified.
func PaymentToken(now time.Time) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("PAY_%X_%d", now.UnixNano(), now.Unix())
	}
	return fmt.Sprintf("PAY_%s_%d", strings.ToUpper(hex.EncodeToString(buf)), now.Unix())
}
