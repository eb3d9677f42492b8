package domain

import (
	"strings"
	"time"
)

type Signature struct {
	Name  string
	Email string
	Image string
	At    time.Time
}

// Submit moves a draft to PENDING_SIGN.
func Submit(c *ContractInstance, now time.Time) error {
	if err := transition(c, StatusPendingSign, now); err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

// Sign records the signer and fills every SIGNATURE field with the image.
func Sign(c *ContractInstance, vars []TemplateVariable, sig Signature) error {
	if strings.TrimSpace(sig.Name) == "" {
		return &ValidationError{Code: "REQUIRED", Field: "signed_by_name", Message: "signer name is required"}
	}
	if !ValidEmail(sig.Email) {
		return &InvalidSignerEmailError{Email: sig.Email}
	}
	if strings.TrimSpace(sig.Image) == "" {
		return &ValidationError{Code: "REQUIRED", Field: "signature_image", Message: "signature image is required"}
	}
	if err := transition(c, StatusSigned, sig.At); err != nil {
		return err
	}
	at := sig.At.UTC()
	c.SignedByName = StringPtr(strings.TrimSpace(sig.Name))
	c.SignedByEmail = StringPtr(strings.TrimSpace(sig.Email))
	c.SignedAt = &at
	c.SignatureImage = StringPtr(sig.Image)
	if c.Fields == nil {
		c.Fields = map[string]*string{}
	}
	for _, v := range vars {
		if v.DataType == VarSignature {
			c.Fields[string(v.Key)] = StringPtr(sig.Image)
		}
	}
	c.UpdatedAt = at
	return nil
}

// Cancel is irreversible. reason is mandatory.
func Cancel(c *ContractInstance, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{Code: "REQUIRED", Field: "reason", Message: "reason is required"}
	}
	if err := transition(c, StatusCancelled, now); err != nil {
		return err
	}
	at := now.UTC()
	c.CancelReason = &reason
	c.CancelledAt = &at
	c.UpdatedAt = at
	return nil
}

func transition(c *ContractInstance, to Status, now time.Time) error {
	from := c.EffectiveStatus(now)
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	c.Status = to
	return nil
}
