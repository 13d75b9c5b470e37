package core

// Topic algebra. A topic is a sorted, deduplicated set of tags and defines
// both message classification and peer subscriptions.

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const tagPattern = "[a-zA-Z0-9_]+"

// Compiled regexes are shared process-wide. InitTopicCache must run before
// topics are parsed; UninitTopicCache releases them at shutdown.
var (
	topicRegex    *regexp.Regexp
	tagExtrRegex  *regexp.Regexp
	tagValidRegex *regexp.Regexp
)

// InitTopicCache compiles the shared topic regexes.
func InitTopicCache() {
	logrus.Debug("Initializing topic cache.")
	topicRegex = regexp.MustCompile("^ *(" + tagPattern + " *, *)*" + tagPattern + " *$")
	tagExtrRegex = regexp.MustCompile(tagPattern)
	tagValidRegex = regexp.MustCompile("^" + tagPattern + "$")
}

// UninitTopicCache releases the shared topic regexes.
func UninitTopicCache() {
	logrus.Debug("Uninitializing topic cache.")
	topicRegex = nil
	tagExtrRegex = nil
	tagValidRegex = nil
}

// Topic is an ordered set of tags, sorted ascending, without duplicates.
type Topic []string

// NewTopic parses a comma-separated tag list. Whitespace around commas is
// ignored; duplicate tags produce a warning and are dropped.
func NewTopic(s string) (Topic, error) {
	if !topicRegex.MatchString(s) {
		return nil, fmt.Errorf("not a valid topic string: '%s'", s)
	}

	var topic Topic
	for _, tag := range tagExtrRegex.FindAllString(s, -1) {
		if topic.hasTag(tag) {
			logrus.Warnf("Duplicated tag found: '%s', ignoring it.", tag)
			continue
		}
		topic = append(topic, tag)
	}
	sort.Strings(topic)
	return topic, nil
}

func (t Topic) hasTag(tag string) bool {
	for _, have := range t {
		if have == tag {
			return true
		}
	}
	return false
}

// String returns the canonical form: tags joined by ", ".
func (t Topic) String() string {
	return strings.Join(t, ", ")
}

// AddTag inserts a valid, previously absent tag, keeping the order.
func (t *Topic) AddTag(tag string) bool {
	if !tagValidRegex.MatchString(tag) {
		logrus.Debugf("Attempt to add invalid tag: '%s'", tag)
		return false
	}
	if t.hasTag(tag) {
		logrus.Debugf("Attempt to add duplicate tag: '%s'", tag)
		return false
	}
	*t = append(*t, tag)
	sort.Strings(*t)
	return true
}

// RemoveTag deletes a tag if present.
func (t *Topic) RemoveTag(tag string) bool {
	for i, have := range *t {
		if have == tag {
			*t = append((*t)[:i], (*t)[i+1:]...)
			return true
		}
	}
	return false
}

// ContainsTopic reports whether t contains sub: every tag of t is also a tag
// of sub. t is the broader topic; subscribers to t must receive messages
// tagged with any superset sub.
func (t Topic) ContainsTopic(sub Topic) bool {
	for _, tag := range t {
		if !sub.hasTag(tag) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the topic has no tags.
func (t Topic) IsEmpty() bool {
	return len(t) == 0
}

// Compare orders topics lexicographically over their canonical strings.
func (t Topic) Compare(other Topic) int {
	return strings.Compare(t.String(), other.String())
}

// Copy returns an independent copy of the topic.
func (t Topic) Copy() Topic {
	out := make(Topic, len(t))
	copy(out, t)
	return out
}

// Foreach visits tags in canonical order.
func (t Topic) Foreach(fn func(tag string)) {
	for _, tag := range t {
		fn(tag)
	}
}
