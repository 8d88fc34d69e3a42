package config

import (
	"context"
	"os"
	"testing"
)

func TestEnvVarProvider(t *testing.T) {
	const (
		setKey     = "VSHIFT_TEST_ENV_PROVIDER_SET"
		missingKey = "VSHIFT_TEST_ENV_PROVIDER_MISSING"
	)
	t.Setenv(setKey, "postgres://localhost/vshift")
	os.Unsetenv(missingKey)

	var _ SecretProvider = NewEnvVarProvider()

	result, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{setKey, missingKey})
	if err != nil {
		t.Fatalf("GetParametersBatch returned unexpected error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 result, got %d: %v", len(result), result)
	}
	if got := result[setKey]; got != "postgres://localhost/vshift" {
		t.Errorf("result[%q] = %q", setKey, got)
	}
	if _, ok := result[missingKey]; ok {
		t.Errorf("result should not contain missing key %q", missingKey)
	}
}

func TestEnvVarProviderEmptyValue(t *testing.T) {
	const key = "VSHIFT_TEST_ENV_PROVIDER_EMPTY"
	t.Setenv(key, "")

	result, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{key})
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := result[key]; !ok || v != "" {
		t.Errorf("set-but-empty variable should resolve to \"\", got %q (present=%v)", v, ok)
	}
}
