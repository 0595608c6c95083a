package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/database"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/principal"
)

// seedFile is the declarative bootstrap format: a set of principals,
// their policies, and optional initial mandates. Principals that already
// exist and principals that already have an active policy are skipped, so
// re-running bootstrap on a half-seeded install finishes those sections;
// mandates are issued anew on every run, so a re-run issues them again.
type seedFile struct {
	Principals []struct {
		Name   string `yaml:"name"`
		Owner  string `yaml:"owner"`
		Type   string `yaml:"type"`
		Parent string `yaml:"parent,omitempty"`
	} `yaml:"principals"`
	Policies []struct {
		Principal          string   `yaml:"principal"` // principal name
		Resources          []string `yaml:"resources"`
		Actions            []string `yaml:"actions"`
		MaxValiditySeconds int64    `yaml:"max_validity_seconds"`
		AllowDelegation    bool     `yaml:"allow_delegation"`
		MaxDelegationDepth int      `yaml:"max_delegation_depth"`
	} `yaml:"policies"`
	Mandates []struct {
		Issuer          string   `yaml:"issuer"`  // principal name
		Subject         string   `yaml:"subject"` // principal name
		Resources       []string `yaml:"resources"`
		Actions         []string `yaml:"actions"`
		ValiditySeconds int64    `yaml:"validity_seconds"`
	} `yaml:"mandates"`
}

func (e *env) bootstrapCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	file := fs.String("file", "", "seed file path")
	by := fs.String("by", "caracal-admin", "operator identity")
	if err := fs.Parse(args); err != nil {
		return badArgs("%v", err)
	}
	if *file == "" {
		return badArgs("bootstrap: --file required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return caracalerr.Validation("file", fmt.Sprintf("cannot read seed: %v", err))
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return caracalerr.Validation("file", fmt.Sprintf("malformed seed: %v", err))
	}

	if e.db != nil {
		if err := database.InitSchema(ctx, e.db); err != nil {
			return caracalerr.DependencyUnavailable("bootstrap: schema init failed", err)
		}
	}

	// Principals first; names resolve to ids for the later sections.
	ids := make(map[string]string)
	for _, p := range seed.Principals {
		existing, err := e.principals.GetByName(ctx, p.Name)
		if err == nil && existing != nil {
			ids[p.Name] = existing.PrincipalID
			continue
		}
		parentID := ids[p.Parent]
		registered, err := principal.Register(ctx, e.principals, principal.Principal{
			Name: p.Name, Owner: p.Owner, Type: principal.Type(p.Type), ParentID: parentID,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: principal %q: %w", p.Name, err)
		}
		ids[p.Name] = registered.PrincipalID
		e.publishLifecycle(ctx, registered.PrincipalID, "created")
		fmt.Printf("registered principal %s (%s)\n", p.Name, registered.PrincipalID)
	}

	resolve := func(name string) (string, error) {
		if id, ok := ids[name]; ok {
			return id, nil
		}
		existing, err := e.principals.GetByName(ctx, name)
		if err != nil || existing == nil {
			return "", caracalerr.Validation("principal", fmt.Sprintf("unknown principal name %q", name))
		}
		ids[name] = existing.PrincipalID
		return existing.PrincipalID, nil
	}

	policyMgr := policy.NewManager(e.policies, e.publisher)
	for _, p := range seed.Policies {
		principalID, err := resolve(p.Principal)
		if err != nil {
			return err
		}
		if existing, err := e.policies.ActivePolicy(ctx, principalID); err == nil && existing != nil {
			continue // already seeded
		}
		if _, err := policyMgr.Create(ctx, policy.Policy{
			PrincipalID:             principalID,
			AllowedResourcePatterns: p.Resources,
			AllowedActions:          p.Actions,
			MaxValiditySeconds:      p.MaxValiditySeconds,
			AllowDelegation:         p.AllowDelegation,
			MaxDelegationDepth:      p.MaxDelegationDepth,
		}, *by, "bootstrap seed"); err != nil {
			return fmt.Errorf("bootstrap: policy for %q: %w", p.Principal, err)
		}
		fmt.Printf("created policy for %s\n", p.Principal)
	}

	mandateMgr := mandate.NewManager(e.mandates, e.policies, e.hsm, e.publisher)
	for _, m := range seed.Mandates {
		issuerID, err := resolve(m.Issuer)
		if err != nil {
			return err
		}
		subjectID, err := resolve(m.Subject)
		if err != nil {
			return err
		}
		issued, err := mandateMgr.Issue(ctx, mandate.IssueRequest{
			IssuerID: issuerID, SubjectID: subjectID,
			ResourceScope: m.Resources, ActionScope: m.Actions,
			Validity: time.Duration(m.ValiditySeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: mandate %s->%s: %w", m.Issuer, m.Subject, err)
		}
		fmt.Printf("issued mandate %s (%s -> %s)\n", issued.MandateID, m.Issuer, m.Subject)
	}

	return nil
}
