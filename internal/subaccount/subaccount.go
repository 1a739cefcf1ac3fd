// Package subaccount handles decoding and encoding of packed sub-account
// identifiers. A sub-account id deterministically encodes the owner address,
// the collateral asset index, the position asset index, and the direction.
package subaccount

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// A sub-account id is a 32-byte value, hex-encoded with a 0x prefix:
//
//	owner address (20 bytes) | collateralAssetIndex (1 byte) |
//	assetIndex (1 byte) | isLong (1 byte) | zero padding (9 bytes)
const (
	idByteLen      = 32
	addressByteLen = 20
)

var (
	ErrInvalidID      = errors.New("subaccount: invalid sub-account id")
	ErrInvalidPadding = errors.New("subaccount: sub-account id padding must be zero")
)

// Decoded is the unpacked form of a sub-account id.
type Decoded struct {
	Account      string `json:"account"` // 0x-prefixed owner address
	CollateralID uint8  `json:"collateral_id"`
	AssetID      uint8  `json:"asset_id"`
	IsLong       bool   `json:"is_long"`
}

// Decode unpacks a sub-account id string. Decoding is deterministic and
// stable across calls; range-checking the indices against an asset list is
// the caller's responsibility.
func Decode(id string) (Decoded, error) {
	hexPart := strings.TrimPrefix(id, "0x")
	if len(hexPart) == len(id) {
		return Decoded{}, fmt.Errorf("%w: missing 0x prefix: %q", ErrInvalidID, id)
	}

	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, id, err)
	}
	if len(raw) != idByteLen {
		return Decoded{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidID, idByteLen, len(raw))
	}

	longByte := raw[addressByteLen+2]
	if longByte > 1 {
		return Decoded{}, fmt.Errorf("%w: isLong byte must be 0 or 1, got %d", ErrInvalidID, longByte)
	}
	for _, b := range raw[addressByteLen+3:] {
		if b != 0 {
			return Decoded{}, ErrInvalidPadding
		}
	}

	return Decoded{
		Account:      "0x" + hexPart[:addressByteLen*2],
		CollateralID: raw[addressByteLen],
		AssetID:      raw[addressByteLen+1],
		IsLong:       longByte == 1,
	}, nil
}

// Encode packs owner address, asset indices and direction into a sub-account
// id. The inverse of Decode.
func Encode(account string, collateralID, assetID uint8, isLong bool) (string, error) {
	addrHex := strings.TrimPrefix(account, "0x")
	addr, err := hex.DecodeString(addrHex)
	if err != nil || len(addr) != addressByteLen {
		return "", fmt.Errorf("%w: bad owner address %q", ErrInvalidID, account)
	}

	raw := make([]byte, idByteLen)
	copy(raw, addr)
	raw[addressByteLen] = collateralID
	raw[addressByteLen+1] = assetID
	if isLong {
		raw[addressByteLen+2] = 1
	}
	return "0x" + hex.EncodeToString(raw), nil
}
