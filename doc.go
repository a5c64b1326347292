/*
Package dnsfwd implements a rule-driven DNS forwarding proxy. It listens for
DNS queries over UDP, matches the question name against an ordered list of
rules that can synthesize an answer, rewrite the name and forward it
upstream, or pass the query through unchanged, and caches replies for the
duration of their TTL.

The package is organized around a small set of collaborating types: Agent
owns one listening UDP endpoint and drives the per-query pipeline, Exchange
owns the single outbound UDP socket used to reach upstream resolvers and
multiplexes in-flight transactions, Cache stores recently resolved answers,
and RuleList holds the ordered, pre-compiled rule set consulted for every A
or AAAA query. Supervisor wires these together from an AppConfig and
RuleList and supports replacing the rule list at runtime.
*/
package dnsfwd
