package ghostdns

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewASNAnnotatorDisabledWithoutPath(t *testing.T) {
	a, err := NewASNAnnotator("")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestNewASNAnnotatorErrorsOnMissingFile(t *testing.T) {
	_, err := NewASNAnnotator("/nonexistent/path/to/GeoLite2-ASN.mmdb")
	require.Error(t, err)
}

func TestASNAnnotatorNilSafe(t *testing.T) {
	var a *ASNAnnotator
	require.NoError(t, a.Close())

	asn, org, ok := a.Lookup(net.ParseIP("1.1.1.1"))
	require.False(t, ok)
	require.Zero(t, asn)
	require.Equal(t, "", org)

	entry := logrus.NewEntry(logrus.New())
	require.Same(t, entry, a.annotate(entry, "1.1.1.1"))
}

func TestASNAnnotatorAnnotateIgnoresUnparsableHost(t *testing.T) {
	var a *ASNAnnotator
	entry := logrus.NewEntry(logrus.New())
	require.Same(t, entry, a.annotate(entry, "not-an-ip"))
	require.Same(t, entry, a.annotate(entry, ""))
}
