package presenter

import (
	"fmt"
	"regexp"
)

var formats = map[string]string{
	"1":        "https://etherscan.io/tx/%s",
	"5":        "https://goerli.etherscan.io/tx/%s",
	"56":       "https://bscscan.com/tx/%s",
	"100":      "https://gnosisscan.io/tx/%s",
	"137":      "https://polygonscan.com/tx/%s",
	"11155111": "https://sepolia.etherscan.io/tx/%s",
}

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// txLink returns an explorer link when the protocol message id is a source chain transaction hash.
func txLink(chainID, protocolMessageID string) string {
	if !txHashRe.MatchString(protocolMessageID) {
		return ""
	}
	if format, ok := formats[chainID]; ok {
		return fmt.Sprintf(format, protocolMessageID)
	}
	return ""
}
