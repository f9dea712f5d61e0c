package odometry

import (
	"testing"

	"go.viam.com/dso/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}
