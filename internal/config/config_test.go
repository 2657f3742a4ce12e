package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.PolicyByName("Secure Erase"); !ok {
		t.Fatalf("default policies missing Secure Erase")
	}
	if _, ok := cfg.RBAC.Roles["admin"]; !ok {
		t.Fatalf("default rbac missing admin role")
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Driver.MinIncrement = 10
	cfg.Driver.MaxIncrement = 2
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "increments") {
		t.Fatalf("err = %v, want increment validation failure", err)
	}
}

func TestValidateRejectsDuplicatePolicy(t *testing.T) {
	cfg := Default()
	cfg.Policies = append(cfg.Policies, cfg.Policies[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("duplicate policy name accepted")
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("policies: {not: [a, list")); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}
