package zombie

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ExitSentinel is printed by the job runtime once the user command returns.
// A container still alive after printing it was not reaped.
const ExitSentinel = "USER COMMAND END"

// LogTail is how many log lines are searched for ExitSentinel.
const LogTail = 50

// distributedPrefix starts the id part of a distributed job container name.
const distributedPrefix = "container_"

// HasExited reports whether a container's log tail carries ExitSentinel.
func HasExited(logs []byte) bool {
	return strings.Contains(string(logs), ExitSentinel)
}

// Orphans returns the distributed job containers among names whose
// referenced container is no longer alive. Such containers are named
// <ownerPrefix>_<distributedContainerId>, where the prefix has no
// underscore and the id starts with "container_".
func Orphans(names []string) sets.Set[string] {
	live := sets.New(names...)
	out := sets.New[string]()
	for _, name := range names {
		prefix, id, ok := strings.Cut(name, "_")
		if !ok || prefix == "" || !strings.HasPrefix(id, distributedPrefix) {
			continue
		}
		if !live.Has(id) {
			out.Insert(name)
		}
	}
	return out
}
