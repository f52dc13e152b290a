package lightning

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcutil"
)

// ErrInvalidInvoice indicates a string that is not a BOLT11 payment request.
var ErrInvalidInvoice = errors.New("lightning: invalid invoice")

// networkPrefixes are the BOLT11 currency prefixes, longest first so that
// "lnbcrt" is not mistaken for "lnbc".
var networkPrefixes = []string{"lnbcrt", "lntbs", "lnbc", "lntb", "lnsb"}

// msatPerBTC is the number of millisatoshi in one bitcoin.
const msatPerBTC = btcutil.SatoshiPerBitcoin * 1000

// Invoice is the locally decodable part of a BOLT11 payment request.
type Invoice struct {
	Raw     string
	Network string
	// MilliSat is nil for invoices that leave the amount to the payer.
	MilliSat *big.Int
}

// Amount returns the encoded amount in satoshi, rounded down.
func (i Invoice) Amount() (btcutil.Amount, bool) {
	if i.MilliSat == nil {
		return 0, false
	}
	sat := new(big.Int).Quo(i.MilliSat, big.NewInt(1000))
	if !sat.IsInt64() {
		return 0, false
	}
	return btcutil.Amount(sat.Int64()), true
}

// ParseInvoice reads the network and amount from the human readable part.
// Checksum and signature are verified by the paying node.
func ParseInvoice(raw string) (Invoice, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	trimmed = strings.TrimPrefix(trimmed, "lightning:")
	sep := strings.LastIndexByte(trimmed, '1')
	if sep < 0 || sep+7 > len(trimmed) {
		return Invoice{}, fmt.Errorf("%w: missing separator", ErrInvalidInvoice)
	}
	hrp := trimmed[:sep]
	network := ""
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(hrp, prefix) {
			network = prefix
			break
		}
	}
	if network == "" {
		return Invoice{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidInvoice, hrp)
	}
	inv := Invoice{Raw: trimmed, Network: network}
	amount := hrp[len(network):]
	if amount == "" {
		return inv, nil
	}
	msat, err := parseHRPAmount(amount)
	if err != nil {
		return Invoice{}, err
	}
	inv.MilliSat = msat
	return inv, nil
}

func parseHRPAmount(raw string) (*big.Int, error) {
	digits := raw
	// divisor scales a whole-bitcoin amount down by the multiplier.
	divisor := int64(1)
	switch raw[len(raw)-1] {
	case 'm':
		divisor = 1_000
	case 'u':
		divisor = 1_000_000
	case 'n':
		divisor = 1_000_000_000
	case 'p':
		divisor = 1_000_000_000_000
	}
	if divisor != 1 {
		digits = raw[:len(raw)-1]
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidInvoice, raw)
	}
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidInvoice, raw)
	}
	scaled := new(big.Int).Mul(value, big.NewInt(msatPerBTC))
	msat, rem := new(big.Int).QuoRem(scaled, big.NewInt(divisor), new(big.Int))
	if rem.Sign() != 0 {
		return nil, fmt.Errorf("%w: sub-millisatoshi amount %q", ErrInvalidInvoice, raw)
	}
	return msat, nil
}
