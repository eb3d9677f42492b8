package issuance

import (
	"context"
	"errors"
	"time"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (domain.ContractTemplate, error)
}

type Submitter interface {
	CreateContract(ctx context.Context, req Request) (domain.ContractInstance, error)
}

type Service struct {
	templates TemplateSource
	submitter Submitter
	opts      Options
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.opts.Now = now } }

func WithRand(rnd func(n int) int) Option { return func(s *Service) { s.opts.Rand = rnd } }

func WithLocation(loc *time.Location) Option { return func(s *Service) { s.opts.Location = loc } }

func NewService(templates TemplateSource, submitter Submitter, opts ...Option) *Service {
	s := &Service{templates: templates, submitter: submitter}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare loads the template and validates in without submitting anything.
func (s *Service) Prepare(ctx context.Context, in Input) (Request, error) {
	tpl, err := s.templates.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Request{}, &domain.TemplateNotFoundError{TemplateID: in.TemplateID}
		}
		return Request{}, err
	}
	return Build(tpl, in, s.opts)
}

// Issue validates locally and submits. Submission errors are returned unchanged.
func (s *Service) Issue(ctx context.Context, in Input) (domain.ContractInstance, error) {
	req, err := s.Prepare(ctx, in)
	if err != nil {
		return domain.ContractInstance{}, err
	}
	return s.submitter.CreateContract(ctx, req)
}
