package taskmachine_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTaskMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "TaskMachine Suite")
}
