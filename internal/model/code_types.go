package model

// CodeSystem represents one of the official billing code systems a facility
// code can be mapped onto.
type CodeSystem struct {
	Name   string // e.g. "SERVICES"
	URI    string // NPHIES code system URI
	Prefix string // optional prefix applied by the payer, e.g. "LAB"
}

// AllCodeSystems lists the supported official code systems in canonical order.
var AllCodeSystems = []CodeSystem{
	{Name: "SERVICES", URI: "http://nphies.sa/terminology/CodeSystem/services"},
	{Name: "LAB", URI: "http://nphies.sa/terminology/CodeSystem/laboratory", Prefix: "LAB"},
	{Name: "IMAGING", URI: "http://nphies.sa/terminology/CodeSystem/imaging", Prefix: "RAD"},
	{Name: "MEDICATION", URI: "http://nphies.sa/terminology/CodeSystem/medication-codes"},
	{Name: "DENTAL", URI: "http://nphies.sa/terminology/CodeSystem/oral-health-op"},
	{Name: "MEDICAL-DEVICES", URI: "http://nphies.sa/terminology/CodeSystem/medical-devices"},
}

// CodeSystemNames returns just the names of all code systems.
func CodeSystemNames() []string {
	names := make([]string, len(AllCodeSystems))
	for i, cs := range AllCodeSystems {
		names[i] = cs.Name
	}
	return names
}

// CodeSystemByName returns the CodeSystem for the given name, or ok=false.
func CodeSystemByName(name string) (CodeSystem, bool) {
	for _, cs := range AllCodeSystems {
		if cs.Name == name {
			return cs, true
		}
	}
	return CodeSystem{}, false
}
