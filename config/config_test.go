package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidConfig(t *testing.T) {
	t.Parallel()

	raw := `{
		"clusters": [
			{"name": "c1", "type": "static", "lb_type": "round_robin",
			 "hosts": [{"address": "10.0.0.1:80"}]}
		],
		"local_cluster_name": "c1"
	}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, cfg.Clusters, 1)
	require.Equal(t, "c1", cfg.LocalClusterName)
}

func TestDuplicateClusterNameRejected(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [
		{"name": "c1", "type": "static"},
		{"name": "c1", "type": "static"}
	]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "c1", cfgErr.Cluster)
}

func TestUnknownClusterTypeRejected(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [{"name": "c1", "type": "bogus"}]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestMissingLocalClusterRejected(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [{"name": "c1", "type": "static"}], "local_cluster_name": "nope"}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestSDSClusterWithoutSDSBlockRejected(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [{"name": "c1", "type": "sds"}]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestUnknownHealthCheckTypeRejected(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [{"name": "c1", "type": "static", "health_check": {"type": "bogus"}}]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
}

func TestOutlierDetectionEnforcingConsecutiveErrorParsesAndOmitsWhenAbsent(t *testing.T) {
	t.Parallel()

	raw := `{"clusters": [
		{"name": "c1", "type": "static", "outlier_detection": {"consecutive_5xx": 5}},
		{"name": "c2", "type": "static", "outlier_detection": {"consecutive_5xx": 5, "enforcing_consecutive_5xx": 0}}
	]}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	require.Nil(t, cfg.Clusters[0].OutlierDetect.EnforcingConsecutiveError)
	require.NotNil(t, cfg.Clusters[1].OutlierDetect.EnforcingConsecutiveError)
	require.Equal(t, 0, *cfg.Clusters[1].OutlierDetect.EnforcingConsecutiveError)
}
