package core

// Subscriptions are the topics a user wants to receive messages from. They
// are read from a per-user text file, one topic per line.

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"dscuss-network/pkg/utils"
)

// Subscriptions is an ordered list of topics.
type Subscriptions []Topic

// ReadSubscriptions loads subscriptions from filename. Malformed lines are
// skipped with a warning, duplicated topics are rejected. At least one topic
// must survive, otherwise the result is an error.
func ReadSubscriptions(filename string) (Subscriptions, error) {
	logrus.Debugf("Reading subscriptions from '%s'.", filename)

	file, err := os.Open(filename)
	if err != nil {
		return nil, utils.Wrap(err, "open subscriptions")
	}
	defer file.Close()

	var subs Subscriptions
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		topic, err := NewTopic(line)
		if err != nil {
			logrus.Warnf("Malformed line in the subscriptions file: '%s'."+
				" Ignoring it.", line)
			continue
		}
		if subs.containsTopic(topic) {
			logrus.Warnf("Duplicated topic in the subscriptions file: '%s'!", line)
			continue
		}
		subs = append(subs, topic)
	}
	if err := scanner.Err(); err != nil {
		return nil, utils.Wrap(err, "read subscriptions")
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("no valid topics in '%s'", filename)
	}
	return subs, nil
}

func (s Subscriptions) containsTopic(topic Topic) bool {
	for _, have := range s {
		if have.Compare(topic) == 0 {
			return true
		}
	}
	return false
}

// Copy returns an independent copy of the subscription list.
func (s Subscriptions) Copy() Subscriptions {
	out := make(Subscriptions, 0, len(s))
	for _, topic := range s {
		out = append(out, topic.Copy())
	}
	return out
}
