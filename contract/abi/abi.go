package abi

//nolint:golint
import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed escrow.json
var escrowJSONABI string

//go:embed amb.json
var arbitraryMessageJSONABI string

var (
	EscrowABI           = MustReadABI(escrowJSONABI)
	ArbitraryMessageABI = MustReadABI(arbitraryMessageJSONABI)
)

const (
	EscrowCreated        = "EscrowCreated"
	EscrowApproved       = "EscrowApproved"
	EscrowReleased       = "EscrowReleased"
	EscrowRefunded       = "EscrowRefunded"
	CollateralDeposited  = "CollateralDeposited"
	CollateralWithdrawn  = "CollateralWithdrawn"
	CollateralLiquidated = "CollateralLiquidated"

	UserRequestForSignature = "UserRequestForSignature"
	RelayedMessage          = "RelayedMessage"
)

func MustReadABI(raw string) abi.ABI {
	res, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return res
}
