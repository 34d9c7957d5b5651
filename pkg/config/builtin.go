package config

// builtinCatalogCUE declares the resource-type catalog the engine ships
// with. Operator overlays unify against the same #ResourceSpec schema, so
// a malformed overlay fails compilation instead of silently skewing the
// diff.
//
// Field names follow the address-manager API model: CIDR-scoped types
// carry their prefix in "cidr", DNS names are absolute, alias/mx/srv
// targets name the record they link to.
const builtinCatalogCUE = `
// NormClass selects how a field is canonicalized before comparison.
#NormClass: "name" | "cidr" | "address" | "fqdn" | "multivalue" | "verbatim"

// Tier is the deletion-protection tier.
#Tier: "critical" | "high_risk" | "none"

// ResourceSpec describes one resource type.
#ResourceSpec: {
	// identifying fields are always included in update payloads
	identifying: [...string] | *[]

	// fields maps comparable field names to their normalization class
	fields: {[string]: #NormClass}

	// required fields must be present on create records
	required: [...string] | *[]

	// parents lists the types that may contain this type
	parents: [...string] | *[]

	// references maps payload fields to the type they name
	references: {[string]: string} | *{}

	// protection is the deletion-protection tier
	protection: #Tier

	// cidr_scoped types derive their parent from CIDR containment
	cidr_scoped: bool | *false
}

catalog: {[string]: #ResourceSpec}

catalog: {
	configuration: {
		identifying: ["name"]
		fields: {
			name:        "name"
			description: "verbatim"
		}
		required: ["name"]
		protection: "critical"
	}

	block: {
		identifying: ["cidr"]
		fields: {
			cidr: "cidr"
			name: "name"
		}
		required: ["cidr"]
		parents: ["configuration", "block"]
		protection:  "high_risk"
		cidr_scoped: true
	}

	network: {
		identifying: ["cidr"]
		fields: {
			cidr:    "cidr"
			name:    "name"
			gateway: "address"
		}
		required: ["cidr"]
		parents: ["configuration", "block"]
		protection:  "high_risk"
		cidr_scoped: true
	}

	address: {
		identifying: ["address"]
		fields: {
			address:     "address"
			name:        "name"
			mac_address: "verbatim"
			state:       "verbatim"
		}
		required: ["address"]
		parents: ["network"]
		protection: "none"
	}

	dhcp_range: {
		identifying: ["start", "end"]
		fields: {
			start: "address"
			end:   "address"
			name:  "name"
		}
		required: ["start", "end"]
		parents: ["network"]
		protection: "none"
	}

	view: {
		identifying: ["name"]
		fields: {
			name: "name"
		}
		required: ["name"]
		parents: ["configuration"]
		protection: "critical"
	}

	zone: {
		identifying: ["name"]
		fields: {
			name:       "fqdn"
			deployable: "verbatim"
		}
		required: ["name"]
		parents: ["view", "zone"]
		protection: "high_risk"
	}

	host_record: {
		identifying: ["name"]
		fields: {
			name:           "fqdn"
			addresses:      "multivalue"
			ttl:            "verbatim"
			reverse_record: "verbatim"
			comment:        "verbatim"
		}
		required: ["name", "addresses"]
		parents: ["zone"]
		protection: "none"
	}

	alias_record: {
		identifying: ["name"]
		fields: {
			name:    "fqdn"
			target:  "fqdn"
			ttl:     "verbatim"
			comment: "verbatim"
		}
		required: ["name", "target"]
		parents: ["zone"]
		references: {
			target: "host_record"
		}
		protection: "none"
	}

	external_host_record: {
		identifying: ["name"]
		fields: {
			name:    "fqdn"
			ttl:     "verbatim"
			comment: "verbatim"
		}
		required: ["name"]
		parents: ["view", "zone"]
		protection: "none"
	}

	txt_record: {
		identifying: ["name"]
		fields: {
			name:    "fqdn"
			text:    "verbatim"
			ttl:     "verbatim"
			comment: "verbatim"
		}
		required: ["name", "text"]
		parents: ["zone"]
		protection: "none"
	}

	mx_record: {
		identifying: ["name"]
		fields: {
			name:     "fqdn"
			exchange: "fqdn"
			priority: "verbatim"
			ttl:      "verbatim"
			comment:  "verbatim"
		}
		required: ["name", "exchange", "priority"]
		parents: ["zone"]
		references: {
			exchange: "host_record"
		}
		protection: "none"
	}

	srv_record: {
		identifying: ["name"]
		fields: {
			name:     "fqdn"
			target:   "fqdn"
			priority: "verbatim"
			weight:   "verbatim"
			port:     "verbatim"
			ttl:      "verbatim"
			comment:  "verbatim"
		}
		required: ["name", "target", "priority", "weight", "port"]
		parents: ["zone"]
		references: {
			target: "host_record"
		}
		protection: "none"
	}
}
`
