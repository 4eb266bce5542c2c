// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

type (
	// Id identifies an issue help page.
	Id int

	// MarkdownMsg is the Markdown body of an issue page.
	MarkdownMsg string

	// HttpLink is a documentation link shown under "See also".
	HttpLink string

	// Issue is a help page shown for a recognised failure.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

const (
	ManifestNotFoundId Id = iota + 1
	ManifestInvalidId
	ConfigInvalidId
	ComponentResolveFailedId
	TriggerStartFailedId
	VariableCycleId
	TaskNotFoundId
)

var (
	render = glamour.Render

	manifestNotFoundIssue = &Issue{
		id: ManifestNotFoundId,
		mdMsg: `
# No application manifest found!

The bundle directory does not contain a manifest.

## File names we look for (in order):
1. wasmshim.toml
2. spin.toml
3. app.cue

## Things you can try:
- Pass the manifest file directly:
~~~
$ wasmshim validate ./bundle/wasmshim.toml
~~~
- Check that the bundle was unpacked where you expect it`,
	}

	manifestInvalidIssue = &Issue{
		id: ManifestInvalidId,
		mdMsg: `
# The application manifest is invalid!

The manifest was found but could not be turned into an application.

## Common causes:
- A trigger names a component that is not declared under [component]
- An unknown trigger type such as [[trigger.ftp]]
- Two HTTP triggers claim the same route
- A file source that does not exist next to the manifest

## Example:
~~~toml
manifest_version = 1

[application]
name = "echo"

[[trigger.http]]
route = "/echo/..."
component = "echo"

[component.echo]
source = "echo.wasm"
~~~`,
	}

	configInvalidIssue = &Issue{
		id: ConfigInvalidId,
		mdMsg: `
# Invalid shim configuration!

The configuration file or a WASMSHIM_* environment variable holds a value
the shim cannot use.

## Things you can try:
- Print the effective configuration:
~~~
$ wasmshim config show
~~~
- Sizes use units such as "64MiB"; durations use units such as "500ms"
- Triggers that talk to brokers need their address configured
  (redis.address, mqtt.address, sqs.region)`,
	}

	componentResolveFailedIssue = &Issue{
		id: ComponentResolveFailedId,
		mdMsg: `
# A component could not be compiled!

The component bytes were read but are not a usable WebAssembly command module.

## Things you can try:
- Rebuild the component for the wasm32-wasip1 target
- Make sure the module exports _start
- Raise compile.timeout for very large modules`,
	}

	triggerStartFailedIssue = &Issue{
		id: TriggerStartFailedId,
		mdMsg: `
# A trigger failed to start!

The task was rolled back because one of its triggers could not start.

## Things you can try:
- Check that http.listen_addr is free
- Check that the broker for redis, mqtt or sqs triggers is reachable`,
	}

	variableCycleIssue = &Issue{
		id: VariableCycleId,
		mdMsg: `
# Variables reference each other in a cycle!

## Example of a cycle:
~~~toml
[variables]
a = { default = "{{ b }}" }
b = { default = "{{ a }}" }
~~~

## Things you can try:
- Give one of the variables a literal default`,
	}

	taskNotFoundIssue = &Issue{
		id: TaskNotFoundId,
		mdMsg: `
# Task not found!

No task with that id has been created by this shim.`,
	}

	issues = map[Id]*Issue{
		manifestNotFoundIssue.Id():       manifestNotFoundIssue,
		manifestInvalidIssue.Id():        manifestInvalidIssue,
		configInvalidIssue.Id():          configInvalidIssue,
		componentResolveFailedIssue.Id(): componentResolveFailedIssue,
		triggerStartFailedIssue.Id():     triggerStartFailedIssue,
		variableCycleIssue.Id():          variableCycleIssue,
		taskNotFoundIssue.Id():           taskNotFoundIssue,
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

// Render renders the page with glamour using the given style ("dark",
// "light", "notty", or a path to a style file).
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 {
		md.WriteString("\n\n## See also:\n")
		for _, link := range i.docLinks {
			md.WriteString("- [" + string(link) + "](" + string(link) + ")\n")
		}
	}
	return render(md.String(), stylePath)
}

// Values returns every registered issue in id order.
func Values() []*Issue {
	values := maps.Values(issues)
	slices.SortFunc(values, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return values
}

// Get returns the issue with the given id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
