// Package qris builds QRIS-style TLV payment payloads with a CRC16-CCITT
// integrity trailer, plus the simpler pipe-delimited e-money string.
package qris

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	tagPayloadFormat      = "00"
	tagPointOfInitiation  = "01"
	tagMerchantAccount    = "26"
	tagMerchantCategory   = "52"
	tagCurrency           = "53"
	tagAmount             = "54"
	tagCountryCode        = "58"
	tagMerchantName       = "59"
	tagMerchantCity       = "60"
	tagPostalCode         = "61"
	tagAdditionalData     = "62"
	tagCRC                = "63"
	crcTrailer            = tagCRC + "04"
	merchantAccountDomain = "ID.CO.QRIS.WWW"
	terminalLabel         = "SMARTCASHIER"
)

// Builder assembles dynamic QR payloads for a single merchant identity.
type Builder struct {
	MerchantID   string
	MerchantName string
}

// tlv renders one tag-length-value field. Lengths are 2-digit decimal,
// so values longer than 99 bytes are not representable.
func tlv(tag, value string) string {
	return tag + fmt.Sprintf("%02d", len(value)) + value
}

// BuildQris assembles the full payload for one invoice and amount,
// including the trailing CRC field.
func (b Builder) BuildQris(invoiceID string, amount int64) string {
	var sb strings.Builder
	sb.WriteString(tlv(tagPayloadFormat, "01"))
	sb.WriteString(tlv(tagPointOfInitiation, "12"))

	account := tlv("00", merchantAccountDomain) +
		tlv("01", "0002") +
		tlv("02", b.MerchantID) +
		tlv("03", b.MerchantName)
	sb.WriteString(tlv(tagMerchantAccount, account))

	sb.WriteString(tlv(tagMerchantCategory, "0000"))
	sb.WriteString(tlv(tagCurrency, "360"))
	sb.WriteString(tlv(tagAmount, strconv.FormatInt(amount, 10)))
	sb.WriteString(tlv(tagCountryCode, "ID"))
	sb.WriteString(tlv(tagMerchantName, b.MerchantName))
	sb.WriteString(tlv(tagMerchantCity, "Jakarta"))
	sb.WriteString(tlv(tagPostalCode, "10110"))

	additional := tlv("01", terminalLabel) + tlv("02", invoiceID)
	sb.WriteString(tlv(tagAdditionalData, additional))

	payload := sb.String()
	return payload + crcTrailer + Checksum(payload+crcTrailer)
}

// BuildEMoney renders the pipe-delimited e-money payload.
func BuildEMoney(invoiceID string, amount int64, at time.Time) string {
	return fmt.Sprintf("EMONEY|%s|%d|%d", invoiceID, amount, at.Unix())
}

// Checksum computes CRC16-CCITT (polynomial 0x1021, initial register
// 0xFFFF, MSB-first) over the input and formats it as 4 uppercase hex
// digits. The caller includes the "6304" trailer tag in the input; the
// checksum itself is never part of its own computation.
func Checksum(payload string) string {
	crc := uint16(0xFFFF)
	for i := 0; i < len(payload); i++ {
		crc ^= uint16(payload[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return fmt.Sprintf("%04X", crc)
}

// Verify reports whether the payload's trailing CRC field matches the
// checksum of everything before it.
func Verify(payload string) bool {
	idx := strings.LastIndex(payload, crcTrailer)
	if idx < 0 || idx+8 != len(payload) {
		return false
	}
	return Checksum(payload[:idx+4]) == payload[idx+4:]
}
