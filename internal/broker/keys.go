package broker

const keyPrefix = "theapipe:"

func processorsKey() string { return keyPrefix + "processors" }

func jobKey(id string) string { return keyPrefix + "job:" + id }

func queueKey(processor string) string { return keyPrefix + "queue:" + processor }

func inflightKey(processor string) string { return keyPrefix + "inflight:" + processor }

func visibilityKey(processor string) string { return keyPrefix + "visibility:" + processor }

func retryKey(processor string) string { return keyPrefix + "retry:" + processor }

func pausedKey(processor string) string { return keyPrefix + "paused:" + processor }

func stateSetKey(processor string, state JobState) string {
	return keyPrefix + "jobs:" + processor + ":" + string(state)
}
