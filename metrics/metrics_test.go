package metrics_test

import (
	"testing"

	"github.com/m-lab/go/prometheusx/promtest"
	_ "github.com/m-lab/trafficgen/metrics"
)

func TestLintMetrics(t *testing.T) {
	promtest.LintMetrics(t)
}
