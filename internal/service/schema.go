package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"fieldsync/internal/domain"
	"fieldsync/internal/repository"

	"github.com/go-playground/validator/v10"
)

// SchemaValidator checks records against their class schema at the protocol
// boundary. It decides structural validity only.
type SchemaValidator struct {
	validate *validator.Validate
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{validate: validator.New()}
}

// Check validates the envelope and payload of rec. On success rec.Scope and
// rec.Payload are replaced by their canonical forms and the decoded payload
// is returned.
func (v *SchemaValidator) Check(rec *domain.Record) (domain.Payload, error) {
	if err := v.validate.Struct(rec); err != nil {
		return nil, &ValidationError{GlobalID: rec.GlobalID, Reason: describe(err)}
	}
	if rec.CreatedAt.IsZero() {
		return nil, &ValidationError{GlobalID: rec.GlobalID, Reason: "created_at is required"}
	}

	p, err := v.CheckPayload(rec.GlobalID, rec.Class, rec.Payload)
	if err != nil {
		return nil, err
	}

	scope := p.ScopeID(rec.GlobalID)
	if rec.Scope != "" && rec.Scope != scope {
		return nil, &ValidationError{GlobalID: rec.GlobalID, Reason: fmt.Sprintf("scope %s does not match payload event %s", rec.Scope, scope)}
	}
	rec.Scope = scope

	raw, err := domain.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	rec.Payload = raw
	return p, nil
}

// CheckPayload decodes and validates a bare payload of class.
func (v *SchemaValidator) CheckPayload(globalID string, class domain.RecordClass, raw []byte) (domain.Payload, error) {
	p, err := domain.DecodePayload(class, raw)
	if err != nil {
		return nil, &ValidationError{GlobalID: globalID, Reason: err.Error()}
	}
	if err := v.validate.Struct(p); err != nil {
		return nil, &ValidationError{GlobalID: globalID, Reason: describe(err)}
	}
	return p, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// normalizeRefs rewrites every reference of p through the redirect table and
// reports whether anything changed.
func normalizeRefs(ctx context.Context, redirects repository.RedirectRepository, p domain.Payload) (bool, error) {
	changed := false
	for _, ref := range p.References() {
		to, err := redirects.Resolve(ctx, ref)
		if err != nil {
			return false, err
		}
		if to != ref && p.Repoint(ref, to) {
			changed = true
		}
	}
	return changed, nil
}

func payloadHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
