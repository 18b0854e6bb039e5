package engine

import (
	"fmt"
	"strings"
)

const (
	launchScriptName  = "launch.bat"
	scheduledTaskName = "LaunchSample"
)

// LaunchScript is the guest-side plan to start a sample. The sample is started by
// the Windows task scheduler through a batch file so that it runs detached from
// the remote session, with the highest privileges.
type LaunchScript struct {
	// Path is the guest path of the batch file, next to the sample.
	Path string

	// Content is the batch file body.
	Content string

	// CreateTask registers the scheduled task running the batch file.
	CreateTask string

	// RunTask starts the scheduled task.
	RunTask string
}

// NewLaunchScript builds the launch script of a sample copied to sampleExecutionPath.
func NewLaunchScript(sampleExecutionPath string) LaunchScript {
	dir, name, sep := splitGuestPath(sampleExecutionPath)

	path := launchScriptName
	if dir != "" {
		path = dir + sep + launchScriptName
	}

	return LaunchScript{
		Path:       path,
		Content:    fmt.Sprintf("@echo off\ncd /d \"%s\"\n\"%s\"", dir, name),
		CreateTask: fmt.Sprintf(`schtasks /CREATE /SC ONCE /TN "%s" /TR "%s" /ST 00:00 /RL HIGHEST /F`, scheduledTaskName, path),
		RunTask:    fmt.Sprintf(`schtasks /RUN /TN "%s"`, scheduledTaskName),
	}
}

// splitGuestPath splits a guest path on its last separator, which may be either
// slash. The separator is returned so the batch file path keeps the same style.
func splitGuestPath(p string) (dir, name, sep string) {
	i := strings.LastIndexAny(p, `\/`)
	if i < 0 {
		return "", p, `\`
	}
	return p[:i], p[i+1:], p[i : i+1]
}
