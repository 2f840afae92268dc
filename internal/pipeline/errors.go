package pipeline

import "errors"

// Every stage failure is fatal to the build as a whole: no stage is
// retried and no partial-success image exists. These sentinels classify
// which stage contract was violated.
var (
	ErrBuild                = errors.New("build failed")
	ErrBaseResolution       = errors.New("base image resolution failed")
	ErrPackageIndex         = errors.New("package index operation failed")
	ErrPackageInstall       = errors.New("package installation failed")
	ErrDependencyResolution = errors.New("dependency manifest resolution failed")
	ErrDependencyInstall    = errors.New("dependency installation failed")
	ErrContextCopy          = errors.New("build context copy failed")
)
