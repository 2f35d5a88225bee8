package git

import (
	"testing"

	"github.com/WANdisco/jgit-sub000/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
