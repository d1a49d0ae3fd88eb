// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

const (
	MatrixFileNotFoundId Id = iota + 1
	MatrixParseErrorId
	MatrixInvalidId
	UnknownEnvironmentId
	DependencyCycleId
	ContainerEngineNotFoundId
	ImageUnavailableId
	ProvisionFailedId
	InfrastructureFaultId
	EnvironmentTimedOutId
	ConfigLoadFailedId
	ShellNotFoundId
	PermissionDeniedId
	HistoryUnavailableId
)

type (
	// Id identifies a catalog entry.
	Id int

	MarkdownMsg string

	HttpLink string

	// Issue is a catalog entry with Markdown guidance.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the entry with glamour using the given style ("dark",
// "light", "notty" or a JSON style path).
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range append(i.DocLinks(), i.extLinks...) {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	matrixFileNotFoundIssue = &Issue{
		id: MatrixFileNotFoundId,
		mdMsg: `
# No matrix file found!

envmatrix looks for one of these files in the current directory:
` + "`envmatrix.cue`, `envmatrix.yaml`, `envmatrix.yml`, `envmatrix.toml`, `envmatrix.jsonc`, `envmatrix.json`." + `

## Things you can try:
- Point at a file explicitly:
~~~
$ envmatrix run --file ci/matrix.yaml
~~~

- Start from a minimal definition:
~~~yaml
environments:
  - name: min
    image: python:3.12-slim
    setup:
      - run: pip install -e .
    test:
      - run: pytest -q
~~~`,
	}

	matrixParseErrorIssue = &Issue{
		id: MatrixParseErrorId,
		mdMsg: `
# Failed to parse the matrix file!

The file could not be decoded. The format is chosen from the extension.

## Common issues:
- Invalid syntax (indentation in YAML, missing braces in CUE or JSON)
- Misspelled field names (unknown fields are rejected)
- Numbers or booleans written as strings

## Things you can try:
- Check the line and column in the message above
- Run the validator for a complete list of problems:
~~~
$ envmatrix validate --file envmatrix.yaml
~~~`,
	}

	matrixInvalidIssue = &Issue{
		id: MatrixInvalidId,
		mdMsg: `
# The matrix definition is invalid!

Every problem found is listed above. Nothing was run.

## Rules:
- Environment names are unique
- Container environments need an ` + "`image`" + ` or a ` + "`build`" + ` block
- Every runnable environment has at least one ` + "`test`" + ` step
- ` + "`on_failure`" + ` is ` + "`fatal`" + ` or ` + "`continue`" + `
- Capability tags used in ` + "`requires`" + ` are declared
- Durations use Go syntax such as ` + "`90s`" + ` or ` + "`10m`",
	}

	unknownEnvironmentIssue = &Issue{
		id: UnknownEnvironmentId,
		mdMsg: `
# Unknown environment!

An environment passed with ` + "`--env`" + ` is not defined, or is abstract.

## Things you can try:
- List the environments of the matrix:
~~~
$ envmatrix list
~~~`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Environment inheritance cycle!

Environments inherit from each other through ` + "`extends`" + ` and the chain loops.

## Things you can try:
- Move the shared fields into an ` + "`abstract: true`" + ` base environment
- Make each environment extend at most that base`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# Container engine not found!

An environment uses the ` + "`container`" + ` runtime but neither Podman nor Docker is usable.

## Things you can try:
- Install Podman or Docker and make sure the daemon or socket is running
- Pick the engine explicitly in the tool config:
~~~cue
container_engine: "docker"
~~~
- Switch the environment to the ` + "`native`" + ` or ` + "`virtual`" + ` runtime`,
	}

	imageUnavailableIssue = &Issue{
		id: ImageUnavailableId,
		mdMsg: `
# Image unavailable!

The base image of an environment could not be pulled or built.

## Things you can try:
- Check the image reference for typos
- Log in to the registry with your container engine
- Build the Containerfile by hand to see the full output`,
	}

	provisionFailedIssue = &Issue{
		id: ProvisionFailedId,
		mdMsg: `
# Environment provisioning failed!

The execution context could not be created, or a fatal setup step failed.
The environment was reported as ` + "`errored`" + ` or ` + "`failed`" + ` and no test step ran.

## Things you can try:
- Look at the captured output of the failing setup step in the report
- Raise ` + "`provision_retries`" + ` for flaky registries
- Mark non-essential setup steps ` + "`on_failure: continue`",
	}

	infrastructureFaultIssue = &Issue{
		id: InfrastructureFaultId,
		mdMsg: `
# Infrastructure fault!

The execution substrate disappeared while a step was running, for example the
container was removed or the engine restarted. Other environments kept running.

## Things you can try:
- Check the container engine logs
- Re-run only the affected environment:
~~~
$ envmatrix run --env <name>
~~~`,
	}

	environmentTimedOutIssue = &Issue{
		id: EnvironmentTimedOutId,
		mdMsg: `
# Environment timed out!

The environment exceeded its wall-clock timeout and its in-flight step was cancelled.

## Things you can try:
- Raise ` + "`timeout`" + ` on the environment or ` + "`--timeout`" + ` for the run
- Give slow steps their own ` + "`timeout`" + ` to find the culprit`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

The tool configuration file could not be read or does not match the schema.

## Things you can try:
- Show where the file is expected:
~~~
$ envmatrix config path
~~~
- Show the effective configuration:
~~~
$ envmatrix config show
~~~`,
	}

	shellNotFoundIssue = &Issue{
		id: ShellNotFoundId,
		mdMsg: `
# Shell not found!

The ` + "`native`" + ` runtime needs a POSIX shell on the host.

## Things you can try:
- Install ` + "`sh`" + ` or ` + "`bash`" + ` and make sure it is on PATH
- Use the ` + "`virtual`" + ` runtime, which ships its own shell interpreter`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied!

## Common causes:
- Writing the report to a protected directory
- A mounted checkout that the container user cannot read
- A container engine that requires elevated permissions

## Things you can try:
- For containers, ensure you're in the docker group or use rootless Podman:
~~~
$ sudo usermod -aG docker $USER
~~~`,
	}

	historyUnavailableIssue = &Issue{
		id: HistoryUnavailableId,
		mdMsg: `
# Run history unavailable!

The history database could not be opened. The run itself is unaffected.

## Things you can try:
- Disable history for this run with ` + "`--no-history`" + `
- Point ` + "`history.path`" + ` at a writable location`,
	}

	issues = map[Id]*Issue{
		matrixFileNotFoundIssue.Id():      matrixFileNotFoundIssue,
		matrixParseErrorIssue.Id():        matrixParseErrorIssue,
		matrixInvalidIssue.Id():           matrixInvalidIssue,
		unknownEnvironmentIssue.Id():      unknownEnvironmentIssue,
		dependencyCycleIssue.Id():         dependencyCycleIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		imageUnavailableIssue.Id():        imageUnavailableIssue,
		provisionFailedIssue.Id():         provisionFailedIssue,
		infrastructureFaultIssue.Id():     infrastructureFaultIssue,
		environmentTimedOutIssue.Id():     environmentTimedOutIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		shellNotFoundIssue.Id():           shellNotFoundIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
		historyUnavailableIssue.Id():      historyUnavailableIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int {
		return cmp.Compare(a.id, b.id)
	})
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
