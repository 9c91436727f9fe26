package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const (
	orderNumberPrefix      = "WS"
	orderNumberSuffixLen   = 5
	orderNumberSuffixChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	downloadTokenBytes     = 32
)

// newOrderNumber returns prefix + unix millis + random suffix, e.g. WS1718000000000K7QXA.
func newOrderNumber(now time.Time) (string, error) {
	buf := make([]byte, orderNumberSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = orderNumberSuffixChars[int(b)&(len(orderNumberSuffixChars)-1)]
	}
	return orderNumberPrefix + strconv.FormatInt(now.UnixMilli(), 10) + string(buf), nil
}

// newDownloadToken returns 256 random bits, hex encoded. It shares no input
// with the order number.
func newDownloadToken() (string, error) {
	buf := make([]byte, downloadTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
