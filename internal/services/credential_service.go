package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrDigestMismatch indicates a credential token whose payload no longer
// matches the digest it was signed with.
var ErrDigestMismatch = errors.New("credential digest mismatch")

// CredentialStore extends the aggregation lookups with the score write-back.
type CredentialStore interface {
	AggregateStore
	UpdateOverallScoreAndCredential(ctx context.Context, surveyFormID string, overallScore *float64, credentialID string) error
}

// CredentialEmitter hands a signed credential to the issuing system and
// returns the id it was registered under.
type CredentialEmitter interface {
	Emit(ctx context.Context, cred *IssuedCredential) (string, error)
}

type IssuedCredential struct {
	SurveyFormID string             `json:"survey_form_id"`
	Payload      *CredentialPayload `json:"payload"`
	Digest       string             `json:"digest"`
	Token        string             `json:"token"`
	CredentialID string             `json:"credential_id,omitempty"`
	IssuedAt     time.Time          `json:"issued_at"`
}

// CredentialClaims is the JWT body of a signed credential payload.
type CredentialClaims struct {
	Payload *CredentialPayload `json:"payload"`
	Digest  string             `json:"digest"`
	jwt.RegisteredClaims
}

type CredentialService struct {
	aggregator *Aggregator
	store      CredentialStore
	emitter    CredentialEmitter
	secret     []byte
	issuer     string
	now        func() time.Time
}

func NewCredentialService(store CredentialStore, emitter CredentialEmitter, secret []byte, issuer string) *CredentialService {
	return &CredentialService{
		aggregator: NewAggregator(store),
		store:      store,
		emitter:    emitter,
		secret:     secret,
		issuer:     issuer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Issue aggregates a survey form, signs the payload, emits it and records the
// returned credential id together with the overall score on the form.
func (s *CredentialService) Issue(ctx context.Context, surveyFormID string) (cred *IssuedCredential, err error) {
	if s.store == nil || s.emitter == nil {
		return nil, NewInvalidError("credential service is not configured")
	}
	ctx, span := tracer.Start(ctx, "credential.Issue", trace.WithAttributes(attribute.String("survey_form.id", surveyFormID)))
	defer func() { finishSpan(span, err) }()

	payload, err := s.aggregator.Aggregate(ctx, surveyFormID)
	if err != nil {
		return nil, err
	}
	digest, err := Digest(payload)
	if err != nil {
		return nil, err
	}
	issuedAt := s.now()
	token, err := s.sign(payload, digest, issuedAt)
	if err != nil {
		return nil, err
	}
	cred = &IssuedCredential{SurveyFormID: surveyFormID, Payload: payload, Digest: digest, Token: token, IssuedAt: issuedAt}

	id, err := s.emitter.Emit(ctx, cred)
	if err != nil {
		return nil, upstreamError("emit credential for survey form", surveyFormID, err)
	}
	if strings.TrimSpace(id) == "" {
		return nil, upstreamError("emit credential for survey form", surveyFormID, errors.New("empty credential id"))
	}
	cred.CredentialID = id

	if err := s.store.UpdateOverallScoreAndCredential(ctx, surveyFormID, payload.OverallScore, id); err != nil {
		// the credential is already emitted; its id must reach the caller
		log.Printf("credential: emitted %s but could not record it on survey form %s: %v", id, surveyFormID, err)
		return nil, upstreamError("record emitted credential "+id+" on survey form", surveyFormID, err)
	}
	span.SetAttributes(attribute.String("credential.id", id), attribute.String("credential.digest", digest))
	return cred, nil
}

func (s *CredentialService) sign(payload *CredentialPayload, digest string, issuedAt time.Time) (string, error) {
	if len(s.secret) == 0 {
		return "", NewInvalidError("credential signing secret not configured")
	}
	claims := CredentialClaims{
		Payload: payload,
		Digest:  digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  payload.UserID,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken checks the signature and issuer of a credential token and that
// the embedded payload still hashes to the embedded digest.
func (s *CredentialService) VerifyToken(token string) (*CredentialClaims, error) {
	if len(s.secret) == 0 {
		return nil, NewInvalidError("credential signing secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	t, err := jwt.ParseWithClaims(token, &CredentialClaims{}, func(*jwt.Token) (interface{}, error) { return s.secret, nil }, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := t.Claims.(*CredentialClaims)
	if !ok || !t.Valid {
		return nil, errors.New("invalid credential token")
	}
	digest, err := Digest(claims.Payload)
	if err != nil {
		return nil, err
	}
	if digest != claims.Digest {
		return nil, ErrDigestMismatch
	}
	return claims, nil
}
