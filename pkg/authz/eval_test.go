package authz

import (
	"testing"

	"github.com/product-os/autumndb/pkg/contracts"
	"github.com/stretchr/testify/require"
)

func TestCELEvaluatorResolvesEvalExpression(t *testing.T) {
	ev := newCELEvaluator()
	actor := &contracts.Contract{Slug: "user-jsmith"}

	node := map[string]interface{}{
		"const": map[string]interface{}{"$eval": "user.slug"},
	}

	resolved, err := ev.resolve(node, actor)
	require.NoError(t, err)
	m := resolved.(map[string]interface{})
	require.Equal(t, "user-jsmith", m["const"])
}

func TestCELEvaluatorLeavesPlainSchemaUntouched(t *testing.T) {
	ev := newCELEvaluator()
	node := map[string]interface{}{
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "card@1.0.0"},
		},
	}

	resolved, err := ev.resolve(node, nil)
	require.NoError(t, err)
	require.Equal(t, node, resolved)
}

func TestCELEvaluatorCachesPrograms(t *testing.T) {
	ev := newCELEvaluator()
	_, err := ev.evalExpr("user.slug", &contracts.Contract{Slug: "user-a"})
	require.NoError(t, err)
	require.Len(t, ev.programs, 1)

	_, err = ev.evalExpr("user.slug", &contracts.Contract{Slug: "user-b"})
	require.NoError(t, err)
	require.Len(t, ev.programs, 1)
}

func TestCELEvaluatorRejectsBadExpression(t *testing.T) {
	ev := newCELEvaluator()
	_, err := ev.evalExpr("user.slug +", &contracts.Contract{Slug: "user-a"})
	require.Error(t, err)
}
