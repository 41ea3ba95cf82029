package bootstrap

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cmdgate/cmdgate/internal/rules"
	"github.com/cmdgate/cmdgate/storage/model"
)

// Seed describes principals and rules that should exist after startup
type Seed struct {
	Principals []SeedPrincipal `yaml:"principals"`
	Rules      []SeedRule      `yaml:"rules"`
}

// SeedPrincipal is a principal in a Seed. An empty APIKey generates a new
// credential.
type SeedPrincipal struct {
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
	Credits  int64  `yaml:"credits"`
	APIKey   string `yaml:"api_key"`
}

// SeedRule is a rule in a Seed
type SeedRule struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

// DefaultAdminUsername is the username of the seeded admin account
const DefaultAdminUsername = "admin"

// DefaultAdminCredits is the balance of the seeded admin account
const DefaultAdminCredits = 999

// DefaultSeed returns the built-in seed: one admin account and a small rule
// set that blocks destructive commands and allows read-only ones
func DefaultSeed(adminKey string) Seed {
	return Seed{
		Principals: []SeedPrincipal{
			{
				Username: DefaultAdminUsername,
				Role:     string(model.RoleAdmin),
				Credits:  DefaultAdminCredits,
				APIKey:   adminKey,
			},
		},
		Rules: []SeedRule{
			{Pattern: `:\(\)\s*\{\s*:\|:&\s*\};:`, Action: string(model.ActionAutoReject)},
			{Pattern: `rm\s+-rf\s+/`, Action: string(model.ActionAutoReject)},
			{Pattern: `mkfs\.`, Action: string(model.ActionAutoReject)},
			{Pattern: `git\s+(status|log|diff)`, Action: string(model.ActionAutoAccept)},
			{Pattern: `^(ls|cat|pwd|echo)`, Action: string(model.ActionAutoAccept)},
		},
	}
}

// LoadSeedFile reads a Seed from a YAML file
func LoadSeedFile(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, errors.Wrap(err, "bootstrap: could not read seed file")
	}
	if err = yaml.Unmarshal(data, &seed); err != nil {
		return seed, errors.Wrap(err, "bootstrap: could not parse seed file")
	}
	return seed, nil
}

// Created is a principal created by Apply together with its credential
type Created struct {
	Username   string
	Credential string
}

// Report summarizes what Apply changed
type Report struct {
	Principals []Created
	Rules      int
}

// Apply creates the principals of seed that do not exist yet. Rules are only
// added if the rule set is empty, so rules removed by an admin do not come
// back on restart.
func Apply(ctx context.Context, principals model.PrincipalsStore, matcher *rules.Matcher, seed Seed) (
	*Report, error,
) {
	report := &Report{}
	existing, err := principals.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		known[p.Username] = struct{}{}
	}
	for _, sp := range seed.Principals {
		if _, ok := known[sp.Username]; ok {
			continue
		}
		role, err := model.ParseRole(sp.Role)
		if err != nil {
			return nil, errors.Wrapf(err, "bootstrap: principal %q", sp.Username)
		}
		credential := sp.APIKey
		if credential == "" {
			_, credential, err = principals.Create(ctx, sp.Username, role, sp.Credits)
		} else {
			_, err = principals.CreateWithCredential(ctx, sp.Username, role, sp.Credits, credential)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "bootstrap: principal %q", sp.Username)
		}
		known[sp.Username] = struct{}{}
		report.Principals = append(
			report.Principals, Created{
				Username:   sp.Username,
				Credential: credential,
			},
		)
		log.WithFields(log.Fields{"user": sp.Username, "role": role}).Info("seeded principal")
	}

	stored, err := matcher.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return report, nil
	}
	for _, sr := range seed.Rules {
		action, err := model.ParseAction(sr.Action)
		if err != nil {
			return nil, errors.Wrapf(err, "bootstrap: rule %q", sr.Pattern)
		}
		if _, err = matcher.AddRule(ctx, sr.Pattern, action); err != nil {
			return nil, errors.Wrapf(err, "bootstrap: rule %q", sr.Pattern)
		}
		report.Rules++
	}
	if report.Rules > 0 {
		log.WithField("count", report.Rules).Info("seeded rules")
	}
	return report, nil
}
