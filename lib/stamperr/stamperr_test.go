package stamperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKinds_FormatAndCompare(t *testing.T) {
	err := InvalidImage("manifest %s has bad mediaType", "blobs/sha256/abc")
	require.Equal(t, "invalid-image: manifest blobs/sha256/abc has bad mediaType", err.Error())

	var target *Error
	require.True(t, errors.As(err, &target))
	require.Equal(t, KindInvalidImage, target.Kind)
}

func TestCurrentPlatform_SupportedHost(t *testing.T) {
	plat, err := CurrentPlatform()
	if err != nil {
		t.Skip("unsupported host architecture/OS for this table")
		return
	}
	require.NotEmpty(t, plat.Arch)
	require.NotEmpty(t, plat.OS)
}
