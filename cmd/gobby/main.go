// gobby is the daemon and CLI for coordinating AI coding sessions:
// task tracking, workflows, subagents with git isolation, and
// session-to-session handoff.
package main

func main() {
	Execute()
}
