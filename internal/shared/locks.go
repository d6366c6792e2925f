package shared

import "fmt"

// JobLockKey builds redis keys for singleton background jobs.
func JobLockKey(job string) string {
	return fmt.Sprintf("billing:job:%s:lock", job)
}
