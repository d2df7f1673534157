package mutation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/product-os/autumndb/pkg/autumndberrors"
	"github.com/product-os/autumndb/pkg/contracts"
)

// validateLink checks a candidate link-contract before it is persisted
// (spec §4.3 "Insert"): both endpoints must resolve and be readable under
// authSchema (else *no-link-target*), and the in-memory relationship
// snapshot must permit the (from.type, name, to.type) triple or its
// inverse (else *unknown-relationship*).
func (p *Pipeline) validateLink(ctx context.Context, candidate *contracts.Contract, authSchema map[string]interface{}) error {
	link, err := contracts.AsLink(candidate)
	if err != nil {
		return autumndberrors.Wrap(autumndberrors.CodeInvalidSchema, "malformed link contract", err)
	}

	if err := p.requireReadableEndpoint(ctx, link.From.ID, authSchema); err != nil {
		return err
	}
	if err := p.requireReadableEndpoint(ctx, link.To.ID, authSchema); err != nil {
		return err
	}

	if p.Relationships == nil {
		return nil
	}

	rel := p.Relationships.Find(link.From.Type, link.Name, link.To.Type)
	if rel == nil {
		return autumndberrors.Newf(autumndberrors.CodeUnknownRelationship,
			"no relationship permits %q from %s to %s", link.Name, link.From.Type, link.To.Type)
	}

	return nil
}

// requireReadableEndpoint fails with *no-link-target* when endpointID
// either does not exist or does not satisfy authSchema.
func (p *Pipeline) requireReadableEndpoint(ctx context.Context, endpointID string, authSchema map[string]interface{}) error {
	endpoint, err := p.Store.GetContractByID(ctx, endpointID)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return autumndberrors.Newf(autumndberrors.CodeNoLinkTarget, "link endpoint %q does not exist", endpointID)
	}

	doc, err := toMap(endpoint)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(authSchema)
	if err != nil {
		return fmt.Errorf("mutation: marshal auth schema: %w", err)
	}
	if err := p.Validator.Validate(raw, doc); err != nil {
		return autumndberrors.Newf(autumndberrors.CodeNoLinkTarget, "link endpoint %q is not readable to the actor", endpointID)
	}
	return nil
}

// materializeLinkedAt records the first-linked timestamp on both endpoints
// of a newly inserted link (spec §4.3 "Link side-effects"): linked_at[verb]
// on the from-endpoint, linked_at[inverseVerb] on the to-endpoint, each set
// only the first time a link with that verb is observed.
func (p *Pipeline) materializeLinkedAt(ctx context.Context, linkContract *contracts.Contract) error {
	link, err := contracts.AsLink(linkContract)
	if err != nil {
		return autumndberrors.Wrap(autumndberrors.CodeInvalidSchema, "malformed link contract", err)
	}

	at := linkContract.CreatedAt
	if at.IsZero() {
		at = p.now()
	}

	if err := p.Store.RecordLinkedAt(ctx, link.From.ID, link.Name, at); err != nil {
		return err
	}
	if err := p.Store.RecordLinkedAt(ctx, link.To.ID, link.InverseName, at); err != nil {
		return err
	}
	return nil
}
