package mqtt

import "fmt"

// TopicPrefixSystem is the base for system topics. Bridge topics
// (graylogic/{category}/{protocol}/...) are built by the bridge packages.
const TopicPrefixSystem = "graylogic/system"

// Topics provides builders for the client's own topics.
type Topics struct{}

// SystemStatus returns the topic the client announces online and
// offline status on.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
