package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	EnabledEnvKey  = "UPLOADIO_ANALYTICS"
	ProjectEnvKey  = "UPLOADIO_PROJECT"
	BranchEnvKey   = "UPLOADIO_BRANCH"
	RevisionEnvKey = "UPLOADIO_REVISION"
)

// NewTransferTracker builds a tracker tagged with the project, branch and
// revision of the current run. It fails when UPLOADIO_ANALYTICS is not "true".
func NewTransferTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	if repository.Get(EnabledEnvKey) != "true" {
		return nil, fmt.Errorf("analytics is not enabled")
	}
	return trackerFactory(logger, analytics.Properties{
		"project":  repository.Get(ProjectEnvKey),
		"branch":   repository.Get(BranchEnvKey),
		"revision": repository.Get(RevisionEnvKey),
	}), nil
}

func NewDefaultTransferTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewTransferTracker(repository, logger, analytics.NewDefaultTracker)
}
