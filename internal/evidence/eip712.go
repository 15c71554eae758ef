package evidence

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var evidenceTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Evidence": {
		{Name: "paymentHash", Type: "bytes32"},
		{Name: "resource", Type: "string"},
		{Name: "originHash", Type: "bytes32"},
		{Name: "network", Type: "string"},
		{Name: "asset", Type: "address"},
		{Name: "payTo", Type: "address"},
		{Name: "intent_uid", Type: "bytes32"},
		{Name: "cart_uid", Type: "bytes32"},
		{Name: "payment_uid", Type: "bytes32"},
		{Name: "trace_uid", Type: "bytes32"},
		{Name: "notBefore", Type: "uint64"},
		{Name: "notAfter", Type: "uint64"},
	},
}

// TypedData builds the EIP-712 structure the evidence signature covers.
// Empty uids sign as the zero word.
func (c *Claims) TypedData(chainID int64) (apitypes.TypedData, error) {
	msg := apitypes.TypedDataMessage{
		"resource":  c.Resource,
		"network":   c.Network,
		"asset":     c.Asset,
		"payTo":     c.PayTo,
		"notBefore": strconv.FormatInt(c.NotBefore, 10),
		"notAfter":  strconv.FormatInt(c.NotAfter, 10),
	}
	words := []struct {
		name  string
		value string
	}{
		{"paymentHash", c.PaymentHash},
		{"originHash", c.OriginHash},
		{"intent_uid", c.IntentUID},
		{"cart_uid", c.CartUID},
		{"payment_uid", c.PaymentUID},
		{"trace_uid", c.TraceUID},
	}
	for _, w := range words {
		b, err := bytes32(w.value)
		if err != nil {
			return apitypes.TypedData{}, fmt.Errorf("%s: %w", w.name, err)
		}
		msg[w.name] = hex32(b)
	}
	for name, addr := range map[string]string{"asset": c.Asset, "payTo": c.PayTo} {
		if !common.IsHexAddress(addr) {
			return apitypes.TypedData{}, fmt.Errorf("%s is not an address", name)
		}
	}

	return apitypes.TypedData{
		Types:       evidenceTypes,
		PrimaryType: "Evidence",
		Domain: apitypes.TypedDataDomain{
			Name:              "AP2Evidence",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: c.PayTo,
		},
		Message: msg,
	}, nil
}

// Digest returns the EIP-712 signing hash of the claims.
func (c *Claims) Digest(chainID int64) ([]byte, error) {
	td, err := c.TypedData(chainID)
	if err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// Sign sets c.Sig to the key's EIP-712 signature over the claims.
func (c *Claims) Sign(chainID int64, key *ecdsa.PrivateKey) error {
	hash, err := c.Digest(chainID)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return fmt.Errorf("sign claims: %w", err)
	}
	sig[64] += 27
	c.Sig = "0x" + hex.EncodeToString(sig)
	return nil
}

// RecoverSigner returns the address that produced c.Sig.
func (c *Claims) RecoverSigner(chainID int64) (common.Address, error) {
	hash, err := c.Digest(chainID)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(c.Sig, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d hex bytes", crypto.SignatureLength)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
