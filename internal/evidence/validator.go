package evidence

import (
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"x402-gateway/internal/model"
)

// Input is everything the validator looks at for one request.
type Input struct {
	// Claims is base64 JSON. Empty means the request carries no claims.
	Claims         string
	Requirements   model.PaymentRequirements
	Origin         string
	PaymentHeader  string          // raw X-PAYMENT, may be empty
	PaymentPayload json.RawMessage // x402 paymentPayload as received
	HasMandate     bool            // an X-AP2-EVIDENCE header was supplied
}

// Outcome is what a successful validation established.
type Outcome struct {
	Claims *Claims // nil when the request carried none
	Policy Policy
	Payer  string
	Signed bool
}

// Config configures a Validator.
type Config struct {
	ChainIDs map[string]int64 // nil uses DefaultChainIDs
	Now      func() time.Time
}

// Validator runs the AP2 checks in a fixed order; the first failure wins.
type Validator struct {
	chains map[string]int64
	now    func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	if cfg.ChainIDs == nil {
		cfg.ChainIDs = DefaultChainIDs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{chains: cfg.ChainIDs, now: cfg.Now}
}

// Validate checks congruence, validity window, origin binding, payment binding,
// signature and finally merchant policy. It returns an *Error on failure.
func (v *Validator) Validate(in *Input) (*Outcome, error) {
	policy, err := ExtractPolicy(in.Requirements.Extra)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Policy: policy, Payer: ExtractPayer(in.PaymentPayload)}

	if in.Claims == "" {
		if policy.RequiresClaims() {
			return nil, fail(ErrEvidenceMissing, CodeEvidenceMissing, "policy requires AP2 evidence")
		}
	} else {
		c, err := DecodeClaims(in.Claims)
		if err != nil {
			return nil, err
		}
		out.Claims = c

		steps := []func(*Claims, *Input) *Error{
			checkCongruence,
			v.checkWindow,
			checkOrigin,
			checkPaymentHash,
		}
		for _, step := range steps {
			if e := step(c, in); e != nil {
				return nil, e
			}
		}
		if c.Sig != "" {
			if e := v.checkSignature(c, in.Requirements.Network, out.Payer); e != nil {
				return nil, e
			}
			out.Signed = true
		}
	}

	if e := checkPolicy(policy, out.Claims, in); e != nil {
		return nil, e
	}
	return out, nil
}

func checkCongruence(c *Claims, in *Input) *Error {
	req := in.Requirements
	switch {
	case c.Resource != req.Resource:
		return fail(ErrEvidenceMismatch, CodeResourceMismatch, "resource mismatch")
	case c.Network != req.Network:
		return fail(ErrEvidenceMismatch, CodeNetworkMismatch, "network mismatch")
	case !strings.EqualFold(c.PayTo, req.PayTo):
		return fail(ErrEvidenceMismatch, CodePayToMismatch, "payTo mismatch")
	case req.Asset != "" && !strings.EqualFold(c.Asset, req.Asset):
		return fail(ErrEvidenceMismatch, CodeAssetMismatch, "asset mismatch")
	}
	return nil
}

func (v *Validator) checkWindow(c *Claims, _ *Input) *Error {
	now := v.now()
	if c.NotBefore != 0 && now.Unix() < c.NotBefore {
		return fail(ErrEvidenceExpired, CodeTTLNotBefore, "notBefore not reached")
	}
	if c.NotAfter != 0 && now.Unix() > c.NotAfter {
		return fail(ErrEvidenceExpired, CodeTTLExpired, "notAfter passed")
	}
	if c.Exp != "" {
		exp, _ := parseExp(c.Exp) // validated by DecodeClaims
		if now.After(exp) {
			return fail(ErrEvidenceExpired, CodeTTLExpired, "exp passed")
		}
	}
	return nil
}

func checkOrigin(c *Claims, in *Input) *Error {
	origin := in.Origin
	if origin == "" {
		origin = ResourceOrigin(in.Requirements.Resource)
	}
	want := OriginHash(origin)
	got, _ := bytes32(c.OriginHash)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return fail(ErrOriginMismatch, CodeOriginMismatch, "originHash mismatch")
	}
	return nil
}

func checkPaymentHash(c *Claims, in *Input) *Error {
	want, err := PaymentHash(in.PaymentHeader, in.PaymentPayload)
	if err != nil {
		return fail(ErrPaymentMismatch, CodePaymentMismatch, "%v", err)
	}
	got, _ := bytes32(c.PaymentHash)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return fail(ErrPaymentMismatch, CodePaymentMismatch, "paymentHash mismatch")
	}
	return nil
}

func (v *Validator) checkSignature(c *Claims, network, payer string) *Error {
	chainID, ok := v.chains[network]
	if !ok {
		return fail(ErrSignatureInvalid, CodeChainUnsupported,
			"unsupported network %q; add it to PROXY_NETWORK_CHAIN_MAP or omit the signature", network)
	}
	signer, err := c.RecoverSigner(chainID)
	if err != nil {
		return fail(ErrSignatureInvalid, CodeSigInvalid, "EIP-712 signature invalid: %v", err)
	}
	if payer == "" || !strings.EqualFold(signer.Hex(), payer) {
		return fail(ErrSignatureInvalid, CodeSigPayerMismatch, "signer != payer")
	}
	return nil
}

func checkPolicy(p Policy, c *Claims, in *Input) *Error {
	if c != nil {
		required := []struct {
			on    bool
			value string
			name  string
		}{
			{p.RequireIntentMandate, c.IntentUID, "intent_uid"},
			{p.RequireCartMandate, c.CartUID, "cart_uid"},
			{p.RequirePaymentMandate, c.PaymentUID, "payment_uid"},
			{p.RequireTrace, c.TraceUID, "trace_uid"},
		}
		for _, r := range required {
			if r.on && r.value == "" {
				return fail(ErrPolicyViolation, CodePolicyViolation, "%s required", r.name)
			}
		}
	}
	if p.RequireMandate && !in.HasMandate {
		return fail(ErrPolicyViolation, CodePolicyViolation, "X-AP2-EVIDENCE mandate required")
	}
	if len(p.AcceptedMerchantIDs) > 0 && !merchantAccepted(p.AcceptedMerchantIDs, in.Requirements.Resource) {
		return fail(ErrPolicyViolation, CodeMerchantDenied, "merchant identity not accepted")
	}
	// Unparseable amounts on either side skip the cap.
	if value, ok := AuthorizationValue(in.PaymentPayload); ok {
		_, vOK := model.ParseAmount(value)
		_, mOK := model.ParseAmount(in.Requirements.MaxAmountRequired)
		if vOK && mOK && !model.AmountWithin(value, in.Requirements.MaxAmountRequired) {
			return fail(ErrPolicyViolation, CodeAmountExceeded, "amount exceeds maxAmountRequired")
		}
	}
	return nil
}
