package venue

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer holds one account's key material and produces both the EIP-191
// login signature and the EIP-712 order signature.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewSigner parses a 0x-prefixed private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, &SigError{Op: "parse key", Err: err}
	}
	return &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the wallet address derived from the private key.
func (s *Signer) Address() common.Address { return s.address }

// ChainID returns the chain the signer targets.
func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// PrivateKey exposes the parsed key for raw transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.privateKey }

// SiweMessage builds the sign-in message the venue expects: domain, wallet
// address, server-issued nonce, chain id, issued-at timestamp.
func (s *Signer) SiweMessage(domain, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\nSign in to trade.\n\nURI: https://%s\nVersion: 1\nChain ID: %d\nNonce: %s\nIssued At: %s",
		domain, s.address.Hex(), domain, s.chainID, nonce, issuedAt.UTC().Format(time.RFC3339),
	)
}

// SignMessage produces an EIP-191 personal-sign signature over msg, V
// adjusted to 27/28, 0x-hex encoded.
func (s *Signer) SignMessage(msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), s.privateKey)
	if err != nil {
		return "", &SigError{Op: "message", Err: err}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// WireOrder is the signed order struct the venue matches on-chain.
// Amounts are 6-decimal USDC/share integers rendered as decimal strings.
type WireOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// SignOrder signs the order as EIP-712 typed data and fills the Signature
// field. The same order struct always produces the same signature, so a
// retried submission is byte-identical.
func (s *Signer) SignOrder(order *WireOrder) error {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:    "Exchange",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return &SigError{Op: "order hash", Err: err}
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return &SigError{Op: "order", Err: err}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	order.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

// NewSalt returns a random uint256 salt as a decimal string.
func NewSalt() (string, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", &SigError{Op: "salt", Err: err}
	}
	return n.String(), nil
}
