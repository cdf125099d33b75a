package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// ValidateConfig checks that cfg is usable for generation and submission.
func ValidateConfig(cfg CompanyConfig) error {
	fail := func(field, msg string) error {
		return &ConfigurationError{CompanyID: cfg.CompanyID, Field: field, Message: msg}
	}
	switch {
	case strings.TrimSpace(cfg.CompanyID) == "":
		return fail("company_id", "required")
	case cfg.Environment != EnvironmentProduction && cfg.Environment != EnvironmentRestricted:
		return fail("environment", fmt.Sprintf("must be %s or %s", EnvironmentProduction, EnvironmentRestricted))
	case strings.TrimSpace(cfg.EmployerClassification) == "":
		return fail("employer_classification", "required")
	case strings.TrimSpace(cfg.SoftwareID) == "":
		return fail("software_id", "required")
	case strings.TrimSpace(cfg.SoftwareVersion) == "":
		return fail("software_version", "required")
	case strings.TrimSpace(cfg.CertificateRef) == "":
		return fail("certificate_ref", "required")
	}
	return nil
}

// GetConfig returns the configuration of companyID.
func (s *Service) GetConfig(ctx context.Context, companyID string) (*CompanyConfig, error) {
	cfg, err := s.store.GetCompanyConfig(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &NotFoundError{Entity: "company config", ID: companyID}
	}
	return cfg, nil
}

// ListConfigs returns every stored company configuration.
func (s *Service) ListConfigs(ctx context.Context) ([]CompanyConfig, error) {
	return s.store.ListCompanyConfigs(ctx)
}

// SaveConfig validates and stores cfg.
func (s *Service) SaveConfig(ctx context.Context, cfg CompanyConfig) (*CompanyConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = s.clock()
	if err := s.store.SaveCompanyConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DeleteConfig removes the configuration of companyID.
func (s *Service) DeleteConfig(ctx context.Context, companyID string) error {
	cfg, err := s.store.GetCompanyConfig(ctx, companyID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return &NotFoundError{Entity: "company config", ID: companyID}
	}
	return s.store.DeleteCompanyConfig(ctx, companyID)
}

// requireConfig loads and validates the configuration. Any problem is a
// ConfigurationError.
func (s *Service) requireConfig(ctx context.Context, st Store, companyID string) (*CompanyConfig, error) {
	cfg, err := st.GetCompanyConfig(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &ConfigurationError{CompanyID: companyID, Message: "no configuration for company"}
	}
	if err := ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
