package oracle

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

// Byte offsets inside a Pyth PriceUpdateV2 receiver account. All integers are
// little endian.
const (
	pythPriceOffset       = 96
	pythExpoOffset        = 104
	pythPublishTimeOffset = 112
	pythConfOffset        = 120
	pythMinLength         = 120
	pythConfLength        = 128

	// targetExpo is the decimal exponent of PriceScale.
	targetExpo = -6
	// maxExpoShift bounds the rescale so 10^shift cannot overflow.
	maxExpoShift = 38
)

// ParsePythAccount decodes a raw price account into a Quote scaled to 1e6.
// The confidence word is optional; short accounts report zero confidence.
func ParsePythAccount(data []byte) (Quote, error) {
	if len(data) < pythMinLength {
		return Quote{}, fmt.Errorf("%w: pyth account too short (%d bytes)", nativecommon.ErrOracleOutOfBounds, len(data))
	}
	rawPrice := int64(binary.LittleEndian.Uint64(data[pythPriceOffset : pythPriceOffset+8]))
	expo := int32(binary.LittleEndian.Uint32(data[pythExpoOffset : pythExpoOffset+4]))
	publish := binary.LittleEndian.Uint64(data[pythPublishTimeOffset : pythPublishTimeOffset+8])
	if rawPrice <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive pyth price %d", nativecommon.ErrOracleOutOfBounds, rawPrice)
	}

	price, err := rescale(uint256.NewInt(uint64(rawPrice)), expo)
	if err != nil {
		return Quote{}, err
	}
	if !price.IsUint64() || price.IsZero() {
		return Quote{}, fmt.Errorf("%w: scaled pyth price %s outside u64", nativecommon.ErrOracleOutOfBounds, price.Dec())
	}

	quote := Quote{Price: price.Uint64(), PublishTime: publish}
	if len(data) >= pythConfLength {
		conf := binary.LittleEndian.Uint64(data[pythConfOffset : pythConfOffset+8])
		// conf shares the price exponent, so the ratio is scale free
		confBps, err := fixedpoint.MulDiv(uint256.NewInt(conf), uint256.NewInt(fixedpoint.BasisPoints), uint256.NewInt(uint64(rawPrice)))
		if err != nil {
			return Quote{}, err
		}
		if !confBps.IsUint64() {
			return Quote{}, fmt.Errorf("%w: pyth confidence too wide", nativecommon.ErrOracleOutOfBounds)
		}
		quote.ConfidenceBps = confBps.Uint64()
	}
	return quote, nil
}

func rescale(value *uint256.Int, expo int32) (*uint256.Int, error) {
	shift := int64(expo) - targetExpo
	if shift > maxExpoShift || shift < -maxExpoShift {
		return nil, fmt.Errorf("%w: pyth exponent %d unsupported", nativecommon.ErrOracleOutOfBounds, expo)
	}
	factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(abs(shift))))
	if shift >= 0 {
		return fixedpoint.Mul(value, factor)
	}
	return fixedpoint.Div(value, factor)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// AccountSource returns the raw bytes of a published price account.
type AccountSource interface {
	Account(feedID string) ([]byte, error)
}

// PythFeed decodes accounts from an AccountSource.
type PythFeed struct {
	source AccountSource
}

// NewPythFeed wraps source.
func NewPythFeed(source AccountSource) *PythFeed {
	return &PythFeed{source: source}
}

// Price implements Feed.
func (f *PythFeed) Price(feedID string) (Quote, error) {
	if f == nil || f.source == nil {
		return Quote{}, fmt.Errorf("%w: pyth source not configured", nativecommon.ErrOracleOutOfBounds)
	}
	data, err := f.source.Account(feedID)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: load account %s: %v", nativecommon.ErrOracleOutOfBounds, feedID, err)
	}
	return ParsePythAccount(data)
}

// DirSource reads accounts from <dir>/<feedID>.bin, as written by a relayer.
// A slash in the feed id becomes an underscore, so SOL/USD is SOL_USD.bin.
type DirSource string

// Account implements AccountSource.
func (d DirSource) Account(feedID string) ([]byte, error) {
	name := strings.ReplaceAll(strings.TrimSpace(feedID), "/", "_")
	if name == "" || strings.ContainsAny(name, `\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid feed id %q", feedID)
	}
	return os.ReadFile(filepath.Join(string(d), name+".bin"))
}
