package analyzer

import (
	"bytes"

	"github.com/ethereum/go-ethereum/crypto"
)

// Pattern is a family of function signatures whose presence in a token's
// dispatcher indicates a capability.
type Pattern struct {
	Flag       string
	Signatures []string
	selectors  [][]byte
}

// push4 is the opcode solc uses to load a selector in the dispatcher.
const push4 = 0x63

var patterns = []*Pattern{
	{Flag: FlagMintable, Signatures: []string{
		"mint(address,uint256)",
		"mint(uint256)",
		"mintTo(address,uint256)",
	}},
	{Flag: FlagBlacklist, Signatures: []string{
		"blacklist(address)",
		"addToBlacklist(address)",
		"setBlacklist(address,bool)",
		"isBlacklisted(address)",
		"blockBots(address[])",
		"setBots(address[])",
	}},
	{Flag: FlagWhitelist, Signatures: []string{
		"whitelist(address)",
		"addToWhitelist(address)",
		"setWhitelist(address,bool)",
		"isWhitelisted(address)",
	}},
	{Flag: FlagCooldown, Signatures: []string{
		"setCooldownEnabled(bool)",
		"cooldownEnabled()",
		"setCooldown(uint256)",
	}},
	{Flag: FlagAntiWhale, Signatures: []string{
		"setMaxTxAmount(uint256)",
		"_maxTxAmount()",
		"maxTransactionAmount()",
		"setMaxWalletSize(uint256)",
		"maxWallet()",
	}},
	{Flag: flagFeeSetter, Signatures: []string{
		"setFee(uint256)",
		"setFees(uint256,uint256)",
		"setTaxFeePercent(uint256)",
		"setBuyFee(uint256)",
		"setSellFee(uint256)",
		"_taxFee()",
	}},
}

func init() {
	for _, p := range patterns {
		for _, sig := range p.Signatures {
			p.selectors = append(p.selectors, crypto.Keccak256([]byte(sig))[:4])
		}
	}
}

// SelectorOf returns the 4-byte selector of a function signature.
func SelectorOf(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// scanBytecode returns the pattern flags whose selectors appear in code,
// each with the first matching signature.
func scanBytecode(code []byte) map[string]string {
	found := make(map[string]string)
	for _, p := range patterns {
		for i, sel := range p.selectors {
			if containsSelector(code, sel) {
				found[p.Flag] = p.Signatures[i]
				break
			}
		}
	}
	return found
}

func containsSelector(code, sel []byte) bool {
	needle := make([]byte, 0, 5)
	needle = append(needle, push4)
	needle = append(needle, sel...)
	return bytes.Contains(code, needle)
}
