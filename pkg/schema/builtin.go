package schema

// Built-in dataset names.
const (
	Absentee  = "absentee"
	VoterReg  = "voter_reg"
	VoterHist = "voter_hist"
)

func text(names ...string) []Column        { return typed(TypeText, names...) }
func integer(names ...string) []Column     { return typed(TypeInteger, names...) }
func categorical(names ...string) []Column { return typed(TypeCategorical, names...) }
func date(names ...string) []Column        { return typed(TypeDate, names...) }

func typed(t Type, names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{Name: n, Type: t}
	}
	return out
}

func columns(groups ...[]Column) []Column {
	var out []Column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Builtin returns the registry of the NC State Board of Elections extracts.
func Builtin() *Registry {
	r, err := NewRegistry(absenteeDataset(), voterRegDataset(), voterHistDataset())
	if err != nil {
		// The built-in tables are static; a failure here is a programming error.
		panic(err)
	}
	return r
}

func absenteeDataset() Dataset {
	return Dataset{
		Name:      Absentee,
		File:      "absentee_20241105.csv",
		Separator: ',',
		Encoding:  DefaultEncoding,
		Table:     "absentee",
		Schema: Schema{
			DateFormat: DefaultDateFormat,
			Columns: columns(
				categorical("county_desc"),
				text("voter_reg_num", "ncid", "voter_last_name", "voter_first_name", "voter_middle_name"),
				categorical("race", "ethnicity", "gender"),
				integer("age"),
				text("voter_street_address", "voter_city"),
				categorical("voter_state"),
				text("voter_zip", "ballot_mail_street_address", "ballot_mail_city"),
				categorical("ballot_mail_state"),
				text("ballot_mail_zip", "other_mail_addr1", "other_mail_addr2", "other_city_state_zip"),
				text("relative_request_name", "relative_request_address", "relative_request_city"),
				categorical("relative_request_state"),
				text("relative_request_zip"),
				text("election_dt_desc"),
				date("election_dt"),
				categorical("voter_party_code", "precinct_desc", "cong_dist_desc", "nc_house_desc", "nc_senate_desc"),
				categorical("ballot_req_delivery_type", "ballot_req_type", "ballot_request_party"),
				date("ballot_req_dt", "ballot_send_dt", "ballot_rtn_dt"),
				categorical("ballot_rtn_status", "site_name", "sdr", "mail_veri_status"),
			),
		},
	}
}

func voterRegDataset() Dataset {
	return Dataset{
		Name:      VoterReg,
		File:      "ncvoter_Statewide.txt",
		Separator: '\t',
		Encoding:  DefaultEncoding,
		Table:     "voter_reg",
		Schema: Schema{
			DateFormat: DefaultDateFormat,
			Columns: columns(
				integer("county_id"),
				categorical("county_desc"),
				text("voter_reg_num", "ncid", "last_name", "first_name", "middle_name", "name_suffix_lbl"),
				categorical("status_cd", "voter_status_desc", "reason_cd", "voter_status_reason_desc"),
				text("res_street_address"),
				categorical("res_city_desc", "state_cd"),
				text("zip_code", "mail_addr1", "mail_addr2", "mail_addr3", "mail_addr4", "mail_city"),
				categorical("mail_state"),
				text("mail_zipcode", "full_phone_number"),
				categorical("confidential_ind"),
				date("registr_dt"),
				categorical("race_code", "ethnic_code", "party_cd", "gender_code"),
				integer("birth_year", "age_at_year_end"),
				categorical("birth_state", "drivers_lic"),
				categorical("precinct_abbrv", "precinct_desc", "municipality_abbrv", "municipality_desc"),
				categorical("ward_abbrv", "ward_desc", "cong_dist_abbrv", "super_court_abbrv", "judic_dist_abbrv"),
				categorical("nc_senate_abbrv", "nc_house_abbrv", "county_commiss_abbrv", "county_commiss_desc"),
				categorical("township_abbrv", "township_desc", "school_dist_abbrv", "school_dist_desc"),
				categorical("fire_dist_abbrv", "fire_dist_desc", "water_dist_abbrv", "water_dist_desc"),
				categorical("sewer_dist_abbrv", "sewer_dist_desc", "sanit_dist_abbrv", "sanit_dist_desc"),
				categorical("rescue_dist_abbrv", "rescue_dist_desc", "munic_dist_abbrv", "munic_dist_desc"),
				categorical("dist_1_abbrv", "dist_1_desc", "vtd_abbrv", "vtd_desc"),
			),
		},
	}
}

func voterHistDataset() Dataset {
	return Dataset{
		Name:      VoterHist,
		File:      "ncvhis_Statewide.txt",
		Separator: '\t',
		Encoding:  DefaultEncoding,
		Table:     "voter_hist",
		Schema: Schema{
			DateFormat: DefaultDateFormat,
			Columns: columns(
				integer("county_id"),
				categorical("county_desc"),
				text("voter_reg_num"),
				date("election_lbl"),
				categorical("election_desc", "voting_method", "voted_party_cd", "voted_party_desc"),
				categorical("pct_label", "pct_description"),
				text("ncid"),
				integer("voted_county_id"),
				categorical("voted_county_desc", "vtd_label", "vtd_description"),
			),
		},
	}
}
