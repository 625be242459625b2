// Package credentials supplies short-lived AWS credentials for signing. Nothing
// here caches: every invocation resolves afresh.
package credentials

import (
	"context"
	"fmt"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Resolver returns credentials for a named profile (empty means the default
// chain).
type Resolver interface {
	Resolve(ctx context.Context, profile string) (aws.Credentials, error)
}

// ProfileResolver reads the shared AWS configuration and the standard
// credential chain (environment, shared files, SSO, container and instance
// roles).
type ProfileResolver struct {
	// Region is passed to the config loader; STS-backed providers need it.
	Region string

	loadOptions []func(*config.LoadOptions) error
}

// NewProfileResolver creates a resolver. Extra options are appended after the
// profile and region.
func NewProfileResolver(region string, opts ...func(*config.LoadOptions) error) *ProfileResolver {
	return &ProfileResolver{Region: region, loadOptions: opts}
}

// Resolve loads the configuration for profile and retrieves credentials.
func (r *ProfileResolver) Resolve(ctx context.Context, profile string) (aws.Credentials, error) {
	opts := make([]func(*config.LoadOptions) error, 0, len(r.loadOptions)+2)
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if r.Region != "" {
		opts = append(opts, config.WithRegion(r.Region))
	}
	opts = append(opts, r.loadOptions...)

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Credentials{}, unavailable(profile, fmt.Errorf("load config: %w", err))
	}
	if cfg.Credentials == nil {
		return aws.Credentials{}, unavailable(profile, fmt.Errorf("no credential provider configured"))
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, unavailable(profile, err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, unavailable(profile, fmt.Errorf("provider %q returned empty keys", creds.Source))
	}
	return creds, nil
}

// Static always returns the same credentials.
type Static aws.Credentials

// Resolve returns the static credentials.
func (s Static) Resolve(ctx context.Context, profile string) (aws.Credentials, error) {
	creds := aws.Credentials(s)
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, unavailable(profile, fmt.Errorf("static credentials are empty"))
	}
	return creds, nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, profile string) (aws.Credentials, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, profile string) (aws.Credentials, error) {
	return f(ctx, profile)
}

func unavailable(profile string, err error) error {
	name := profile
	if name == "" {
		name = "default"
	}
	e := &apperr.Error{Kind: apperr.KindCredentials, Message: "credentials unavailable", Err: err}
	return e.With("profile", name)
}
